package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/stats"
)

// StoreHealth is the check result of one record store.
type StoreHealth struct {
	Kind      string `json:"kind"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Pool      string `json:"pool,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FolderHealth is the check result of one remote folder name.
type FolderHealth struct {
	Kind   string `json:"kind"`
	Folder string `json:"folder"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// HealthCheckResult is the outcome of HealthCheck.
type HealthCheckResult struct {
	Timestamp       string         `json:"timestamp"`
	Healthy         bool           `json:"healthy"`
	Stores          []StoreHealth  `json:"stores"`
	Folders         []FolderHealth `json:"folders"`
	CredentialState string         `json:"credential_state"`
	RemoteConnected bool           `json:"remote_connected"`
	RemoteLatencyMs int64          `json:"remote_latency_ms"`
	RemoteError     string         `json:"remote_error,omitempty"`
	LastSync        int64          `json:"last_sync"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type poolReporter interface {
	PoolStats() stats.PoolStats
}

type folderNamer interface {
	FolderName(kind datatype.Kind) string
}

// HealthCheck tests the record stores of kinds and the remote mailbox. The remote
// check logs in, so it runs in parallel with the store checks under its own timeout.
// It takes no run lock and publishes no state.
func (o *Orchestrator) HealthCheck(ctx context.Context, kinds []datatype.Kind) *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp:       o.opts.Now().Format(time.RFC3339),
		CredentialState: "unknown",
		LastSync:        o.MostRecentGlobalSyncTimestamp(),
	}
	if cs, ok := o.opts.Credentials.(interface{ State() credential.State }); ok {
		result.CredentialState = cs.State().String()
	}

	const checkTimeout = 30 * time.Second
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		remoteCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		client, err := o.opts.Clients.NewClient(remoteCtx)
		if err != nil {
			result.RemoteError = err.Error()
			return
		}
		defer closeClient(client)
		if namer, ok := client.(folderNamer); ok {
			for _, k := range kinds {
				result.Folders = append(result.Folders, checkFolder(k, namer.FolderName(k)))
			}
		}
		if err := client.CheckReachable(remoteCtx); err != nil {
			result.RemoteError = err.Error()
		} else {
			result.RemoteConnected = true
		}
		result.RemoteLatencyMs = time.Since(start).Milliseconds()
	}()

	stores := make([]StoreHealth, len(kinds))
	for i, k := range kinds {
		stores[i] = o.checkStore(ctx, k, checkTimeout)
	}
	wg.Wait()
	result.Stores = stores

	result.Healthy = result.RemoteConnected
	for _, s := range result.Stores {
		if s.Enabled && !s.Connected {
			result.Healthy = false
		}
	}
	for _, f := range result.Folders {
		if !f.Valid {
			result.Healthy = false
		}
	}
	logging.Debug("Health check: healthy=%v remote=%v credential=%s", result.Healthy, result.RemoteConnected, result.CredentialState)
	return result
}

func (o *Orchestrator) checkStore(ctx context.Context, kind datatype.Kind, timeout time.Duration) StoreHealth {
	h := StoreHealth{Kind: kind.String(), Enabled: o.opts.Fetcher.Enabled(kind)}
	src, ok := o.opts.Fetcher.Source(kind)
	if !ok {
		h.Error = "no record store configured"
		return h
	}
	p, ok := src.Store.(pinger)
	if !ok {
		h.Connected = true
		return h
	}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		h.Error = err.Error()
	} else {
		h.Connected = true
	}
	h.LatencyMs = time.Since(start).Milliseconds()
	if pr, ok := src.Store.(poolReporter); ok {
		ps := pr.PoolStats()
		h.Pool = ps.String()
		logging.Debug("Store pool %s", h.Pool)
	}
	return h
}

func checkFolder(kind datatype.Kind, name string) FolderHealth {
	f := FolderHealth{Kind: kind.String(), Folder: name, Valid: true}
	if err := datatype.ValidateFolderName(name); err != nil {
		f.Valid = false
		f.Error = err.Error()
	}
	return f
}
