package domain

// Identity is the authenticated caller as vouched for by the identity provider.
type Identity struct {
	UserID  string
	IsAdmin bool
}

func (i Identity) Authenticated() bool { return i.UserID != "" }

// GatewayIdentity acts for asynchronous payment notifications.
var GatewayIdentity = Identity{UserID: "system:payment-gateway", IsAdmin: true}
