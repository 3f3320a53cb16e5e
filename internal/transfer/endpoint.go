package transfer

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// Auth mechanisms of a connection URI.
const (
	AuthPlain       = "plain"
	AuthOAuthBearer = "oauthbearer"
)

// Endpoint is a parsed connection URI.
type Endpoint struct {
	Security credential.Security
	// Address is host:port.
	Address  string
	Username string
	Secret   string
	Auth     string
}

// Host returns the host part of Address.
func (e Endpoint) Host() string {
	host, _, err := net.SplitHostPort(e.Address)
	if err != nil {
		return e.Address
	}
	return host
}

// ParseURI parses a URI as produced by credential.Manager.ConnectionURI.
// Malformed URIs are configuration errors.
func ParseURI(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, syncerr.Configuration("remote uri", errors.New("malformed connection uri"))
	}
	var ep Endpoint
	switch u.Scheme {
	case "imaps":
		ep.Security = credential.SecurityTLS
	case "imap+starttls":
		ep.Security = credential.SecurityStartTLS
	case "imap":
		ep.Security = credential.SecurityNone
	default:
		return Endpoint{}, syncerr.Configf("unsupported uri scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, syncerr.Configf("connection uri has no host")
	}
	ep.Address = u.Host
	if u.Port() == "" {
		port := "143"
		if ep.Security == credential.SecurityTLS {
			port = "993"
		}
		ep.Address = net.JoinHostPort(u.Hostname(), port)
	}
	if u.User == nil {
		return Endpoint{}, syncerr.Configf("connection uri has no user")
	}
	ep.Username = u.User.Username()
	ep.Secret, _ = u.User.Password()

	ep.Auth = u.Query().Get("auth")
	switch ep.Auth {
	case "":
		ep.Auth = AuthPlain
	case AuthPlain, AuthOAuthBearer:
	default:
		return Endpoint{}, syncerr.Configuration("remote uri", fmt.Errorf("unsupported auth mechanism %q", ep.Auth))
	}
	return ep, nil
}
