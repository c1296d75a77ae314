package domain

import (
	"strings"
	"time"
)

// Credential providers.
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Identity is a session principal issued by the identity provider.
type Identity struct {
	ID        string   `json:"id"`
	Anonymous bool     `json:"anonymous"`
	Providers []string `json:"providers,omitempty"`
}

// Credential is a permanent sign-in credential. Password credentials carry
// Email and Password; federated credentials carry the provider's IDToken.
type Credential struct {
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	IDToken  string `json:"idToken,omitempty"`
}

// NormalizedEmail returns the email key used to look password credentials up.
func (c Credential) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// AuthState is emitted by the identity provider whenever the active identity
// changes. A nil Identity means no identity is signed in.
type AuthState struct {
	Identity *Identity
	// Token is the session token for Identity.
	Token string
}

// CredentialKey names one credential attached to an identity.
type CredentialKey struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

// IdentityRecord is the stored form of an Identity.
type IdentityRecord struct {
	Identity
	CreatedAt   time.Time
	Credentials []CredentialKey
}

// CredentialRecord binds a credential subject to the identity that owns it.
// Subject is the normalized email for password credentials and the provider
// subject claim for federated ones.
type CredentialRecord struct {
	Provider     string
	Subject      string
	IdentityID   string
	PasswordHash string
}
