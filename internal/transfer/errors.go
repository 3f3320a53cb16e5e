package transfer

import (
	"context"
	"errors"
	"net"

	"github.com/emersion/go-imap/v2"

	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// classify wraps a failure of op in the sync error taxonomy:
//   - rejected credentials (AUTHENTICATIONFAILED, AUTHORIZATIONFAILED, EXPIRED, or a NO
//     answer to the login itself) are authentication errors
//   - dial and DNS failures are connectivity errors
//   - everything else, timeouts included, is a protocol error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &syncerr.Error{Kind: syncerr.KindCanceled, Op: op, Err: err}
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return syncerr.Auth(op, err)
		}
		if op == opLogin && imapErr.Type == imap.StatusResponseTypeNo {
			return syncerr.Auth(op, err)
		}
		return syncerr.Protocol(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return syncerr.Protocol(op, err)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return syncerr.Connectivity(op, err)
	}
	return syncerr.Protocol(op, err)
}

const (
	opConnect = "connect"
	opLogin   = "login"
)
