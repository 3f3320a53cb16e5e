// Package credential holds the login for the remote mailbox and refreshes it when the
// server rejects it.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags which kind of secret a Credential carries.
type Type string

const (
	TypeNone        Type = "none"
	TypePlain       Type = "plain"
	TypeLegacyToken Type = "legacy_token"
	TypeOAuth2      Type = "oauth2"
)

// IsToken reports whether t authenticates with a bearer token.
func (t Type) IsToken() bool {
	return t == TypeLegacyToken || t == TypeOAuth2
}

// Credential is the single "use this to connect" login of one account.
type Credential struct {
	Type Type `json:"type"`
	// Username is the account identity. Refreshing never changes it.
	Username     string    `json:"username"`
	Password     string    `json:"password,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// State is the usability of the current credential.
type State int

const (
	NoCredential State = iota
	PlainValid
	TokenValid
	TokenExpired
)

func (s State) String() string {
	switch s {
	case PlainValid:
		return "plain_valid"
	case TokenValid:
		return "token_valid"
	case TokenExpired:
		return "token_expired"
	default:
		return "no_credential"
	}
}

// StateAt classifies c at time now.
func (c Credential) StateAt(now time.Time) State {
	switch {
	case c.Type == TypePlain && c.Username != "" && c.Password != "":
		return PlainValid
	case c.Type.IsToken() && c.AccessToken != "":
		if !c.Expiry.IsZero() && !now.Before(c.Expiry) {
			return TokenExpired
		}
		return TokenValid
	}
	return NoCredential
}

// Redacted returns a copy with secrets masked, for display.
func (c Credential) Redacted() Credential {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Password = mask(c.Password)
	c.AccessToken = mask(c.AccessToken)
	c.RefreshToken = mask(c.RefreshToken)
	return c
}

func encode(c Credential) ([]byte, error) {
	return json.Marshal(c)
}

func decode(payload []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(payload, &c); err != nil {
		return Credential{}, fmt.Errorf("decoding credential: %w", err)
	}
	switch c.Type {
	case TypeNone, TypePlain, TypeLegacyToken, TypeOAuth2:
	case "":
		c.Type = TypeNone
	default:
		return Credential{}, fmt.Errorf("unknown credential type %q", c.Type)
	}
	return c, nil
}
