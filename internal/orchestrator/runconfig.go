package orchestrator

import (
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
)

// DefaultBatchSize is the number of records converted and appended per batch.
const DefaultBatchSize = 50

// RunConfig is the immutable input of one backup attempt. A retry after a credential
// refresh runs with a copy made by retryWith.
type RunConfig struct {
	// Client is used instead of one from the client factory when set.
	Client transfer.Client
	// Retry counts the refresh-and-retry cycles already performed.
	Retry     int
	Skip      bool
	BatchSize int
	// MaxItems caps the rows read per data type; 0 means no cap.
	MaxItems int
	Contacts source.ContactFilter
	RunKind  syncstate.RunKind
	Kinds    []datatype.Kind
}

// Validate checks the settings that can be rejected before taking the run lock.
func (c RunConfig) Validate() error {
	if len(c.Kinds) == 0 {
		return syncerr.Configf("no data types enabled for backup")
	}
	seen := map[datatype.Kind]bool{}
	for _, k := range c.Kinds {
		if !k.Valid() {
			return syncerr.Configf("unknown data type %v", k)
		}
		if seen[k] {
			return syncerr.Configf("data type %s listed twice", k)
		}
		seen[k] = true
	}
	if c.Retry < 0 {
		return syncerr.Configf("retry count must not be negative (got %d)", c.Retry)
	}
	if c.BatchSize < 0 {
		return syncerr.Configf("batch size must be positive (got %d)", c.BatchSize)
	}
	if c.MaxItems < 0 {
		return syncerr.Configf("max items must not be negative (got %d)", c.MaxItems)
	}
	return nil
}

func (c RunConfig) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// retryWith returns the configuration of the next attempt.
func (c RunConfig) retryWith(client transfer.Client) RunConfig {
	next := c
	next.Kinds = append([]datatype.Kind(nil), c.Kinds...)
	next.Client = client
	next.Retry = c.Retry + 1
	return next
}

// RestoreConfig is the immutable input of one restore attempt.
type RestoreConfig struct {
	Client transfer.Client
	Retry  int
	// MaxItems caps the messages restored per data type; 0 means no cap.
	MaxItems    int
	StarredOnly bool
	RunKind     syncstate.RunKind
	Kinds       []datatype.Kind
}

// Validate rejects empty and unsupported kind sets.
func (c RestoreConfig) Validate() error {
	if len(c.Kinds) == 0 {
		return syncerr.Configf("no data types enabled for restore")
	}
	for _, k := range c.Kinds {
		if !k.Describe().SupportsRestore {
			return syncerr.Configf("restoring %s is not supported", k)
		}
	}
	if c.Retry < 0 {
		return syncerr.Configf("retry count must not be negative (got %d)", c.Retry)
	}
	if c.MaxItems < 0 {
		return syncerr.Configf("max items must not be negative (got %d)", c.MaxItems)
	}
	return nil
}

func (c RestoreConfig) retryWith(client transfer.Client) RestoreConfig {
	next := c
	next.Kinds = append([]datatype.Kind(nil), c.Kinds...)
	next.Client = client
	next.Retry = c.Retry + 1
	return next
}
