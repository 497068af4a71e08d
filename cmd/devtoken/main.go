// Command devtoken mints a bearer token for local testing.
//
//	JWT_SECRET=... go run ./cmd/devtoken -user alice -admin
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/RaikyD/storefront-orders/internal/auth"
)

func main() {
	_ = godotenv.Load()

	user := flag.String("user", "", "user id to put in the token subject")
	admin := flag.Bool("admin", false, "grant the admin capability")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(2)
	}
	tok, err := auth.New(secret, auth.Issuer).Issue(*user, *admin, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(tok)
}
