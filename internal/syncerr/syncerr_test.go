package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"auth", Auth("login", base), KindAuthentication},
		{"wrapped auth", fmt.Errorf("backup: %w", Auth("login", base)), KindAuthentication},
		{"permission", Permission("query sms", base), KindPermission},
		{"connectivity", Connectivity("dial", base), KindConnectivity},
		{"config", Configf("no enabled kinds"), KindConfiguration},
		{"protocol", Protocol("append", base), KindProtocol},
		{"context canceled", fmt.Errorf("run: %w", context.Canceled), KindCanceled},
		{"login required", ErrLoginRequired, KindAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructorsKeepNil(t *testing.T) {
	if Auth("login", nil) != nil {
		t.Error("Auth(nil) should be nil")
	}
	if Protocol("append", nil) != nil {
		t.Error("Protocol(nil) should be nil")
	}
}

func TestErrorText(t *testing.T) {
	err := Protocol("append SMS", errors.New("NO [OVERQUOTA]"))
	if err.Error() != "append SMS: NO [OVERQUOTA]" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, err.(*Error).Err) {
		t.Error("Unwrap should expose the cause")
	}
}

func TestMessageFallsBackToErrorText(t *testing.T) {
	if got := Message(errors.New("mailbox full")); got != "mailbox full" {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(Auth("login", errors.New("x"))); got == "login: x" {
		t.Error("auth errors should use the fixed sentence")
	}
}
