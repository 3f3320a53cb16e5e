// Package transfer moves rendered messages to and from the remote mailbox.
package transfer

import (
	"context"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
)

// Client is a session with the remote mailbox. Folder resolution may log in, so
// authentication failures can surface from Folder as well as from CheckReachable.
type Client interface {
	// CheckReachable logs in and out again.
	CheckReachable(ctx context.Context) error
	// Folder returns the remote folder of kind, creating it when missing.
	Folder(ctx context.Context, kind datatype.Kind) (Folder, error)
	// CloseAll closes every opened folder and the connection.
	CloseAll() error
}

// Folder is one remote folder.
type Folder interface {
	Name() string
	Append(ctx context.Context, msgs []convert.Message) error
	// Messages lists up to max messages (0 means all), newest last.
	Messages(ctx context.Context, max int, flaggedOnly bool) ([]RemoteMessage, error)
}

// RemoteMessage is a message read back from a folder.
type RemoteMessage struct {
	SeqNum uint32
	Flags  []string
	Date   time.Time
	Body   []byte
}

// Factory creates clients from the current credential.
type Factory interface {
	NewClient(ctx context.Context) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context) (Client, error) { return f(ctx) }
