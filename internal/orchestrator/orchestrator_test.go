package orchestrator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/checkpoint"
	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/driver"
	_ "github.com/johndauphine/sms-backup-sync/internal/driver/sqlite"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// newPhoneStore creates a SQLite record store with sms and calls tables.
func newPhoneStore(t *testing.T, afterRestore ...string) *source.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phone.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stmts := []string{
		`CREATE TABLE sms (_id INTEGER PRIMARY KEY AUTOINCREMENT, date INTEGER, type INTEGER, address TEXT,
			person INTEGER, body TEXT, read INTEGER, thread_id INTEGER, status INTEGER, protocol INTEGER, service_center TEXT)`,
		`CREATE TABLE calls (_id INTEGER PRIMARY KEY AUTOINCREMENT, date INTEGER, type INTEGER, number TEXT, duration INTEGER)`,
		`INSERT INTO sms (date, type, address, person, body, read, thread_id) VALUES
			(900, 1, '+100', 7, 'old', 1, 1),
			(1001, 1, '+100', 7, 'hello', 1, 1),
			(1002, 2, '+100', NULL, 'hi back', 1, 1),
			(1500, 1, '+200', 9, 'other', 0, 2),
			(1600, 3, '+200', NULL, 'draft', 0, 2)`,
		`INSERT INTO calls (date, type, number, duration) VALUES (2000, 1, '+300', 60), (2100, 2, '+300', 5)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("setup %q: %v", s, err)
		}
	}
	db.Close()

	store, err := source.OpenSQLStore("sqlite", driver.ConnConfig{Path: path}, afterRestore)
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeFolder struct {
	mb       *mailbox
	kind     datatype.Kind
	appended []convert.Message
	remote   []transfer.RemoteMessage
}

func (f *fakeFolder) Name() string { return f.kind.Describe().DefaultFolder }

func (f *fakeFolder) Append(_ context.Context, msgs []convert.Message) error {
	if hook := f.mb.appendHook; hook != nil {
		if err := hook(f.kind, len(msgs)); err != nil {
			return err
		}
	}
	f.mb.mu.Lock()
	defer f.mb.mu.Unlock()
	f.appended = append(f.appended, msgs...)
	return nil
}

func (f *fakeFolder) Messages(_ context.Context, max int, flaggedOnly bool) ([]transfer.RemoteMessage, error) {
	var out []transfer.RemoteMessage
	for _, m := range f.remote {
		if flaggedOnly && !containsFlag(m.Flags, `\Flagged`) {
			continue
		}
		out = append(out, m)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out, nil
}

// mailbox is the remote side shared by every client a test creates.
type mailbox struct {
	mu          sync.Mutex
	folders     map[datatype.Kind]*fakeFolder
	folderCalls int
	folderKinds []datatype.Kind
	clients     int
	closes      int
	reachErr    error

	folderErr  func(call int, kind datatype.Kind) error
	appendHook func(kind datatype.Kind, n int) error
}

func newMailbox() *mailbox {
	return &mailbox{folders: map[datatype.Kind]*fakeFolder{}}
}

func (m *mailbox) NewClient(context.Context) (transfer.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients++
	return &fakeClient{mb: m}, nil
}

func (m *mailbox) folder(kind datatype.Kind) *fakeFolder {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[kind]
	if !ok {
		f = &fakeFolder{mb: m, kind: kind}
		m.folders[kind] = f
	}
	return f
}

func (m *mailbox) appendedCount(kind datatype.Kind) int {
	f := m.folder(kind)
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(f.appended)
}

type fakeClient struct {
	mb *mailbox
}

func (c *fakeClient) CheckReachable(context.Context) error { return c.mb.reachErr }

func (c *fakeClient) Folder(_ context.Context, kind datatype.Kind) (transfer.Folder, error) {
	c.mb.mu.Lock()
	c.mb.folderCalls++
	c.mb.folderKinds = append(c.mb.folderKinds, kind)
	call, hook := c.mb.folderCalls, c.mb.folderErr
	c.mb.mu.Unlock()
	if hook != nil {
		if err := hook(call, kind); err != nil {
			return nil, err
		}
	}
	return c.mb.folder(kind), nil
}

func (c *fakeClient) FolderName(kind datatype.Kind) string { return kind.Describe().DefaultFolder }

func (c *fakeClient) CloseAll() error {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	c.mb.closes++
	return nil
}

type fakeRefresher struct {
	calls int
	err   error
}

func (r *fakeRefresher) Refresh(context.Context) error {
	r.calls++
	return r.err
}

type recorder struct {
	mu     sync.Mutex
	states []syncstate.State
}

func (r *recorder) OnState(s syncstate.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) sawPhase(p syncstate.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Phase == p {
			return true
		}
	}
	return false
}

type harness struct {
	orch    *Orchestrator
	mb      *mailbox
	state   *checkpoint.FileState
	wm      *watermark.Registry
	store   *source.SQLStore
	ref     *fakeRefresher
	rec     *recorder
	sources map[datatype.Kind]*source.Source
	conv    *convert.Converter
}

// newHarness wires an orchestrator over a phone store whose SMS source is enabled
// and whose call log source is enabled only when callLog is set.
func newHarness(t *testing.T, callLog bool, afterRestore ...string) *harness {
	t.Helper()
	state, err := checkpoint.NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	store := newPhoneStore(t, afterRestore...)
	wm := watermark.New(state)
	sources := map[datatype.Kind]*source.Source{
		datatype.SMS:     {Kind: datatype.SMS, Store: store, Enabled: true},
		datatype.CallLog: {Kind: datatype.CallLog, Store: store, Enabled: callLog},
	}
	h := &harness{
		mb:      newMailbox(),
		state:   state,
		wm:      wm,
		store:   store,
		ref:     &fakeRefresher{},
		rec:     &recorder{},
		sources: sources,
		conv:    convert.New(convert.Options{UserEmail: "me@example.com", Now: func() time.Time { return testNow }}),
	}
	h.orch, err = New(Options{
		Fetcher:     source.NewFetcher(source.NewPlanner(wm, 0), sources[datatype.SMS], sources[datatype.CallLog]),
		Watermarks:  wm,
		Converter:   h.conv,
		Credentials: h.ref,
		Clients:     h.mb,
		History:     state,
		Lock:        &Lock{},
		Now:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch.Subscribe(h.rec)
	return h
}

func (h *harness) lastRun(t *testing.T) checkpoint.Run {
	t.Helper()
	runs, err := h.state.GetAllRuns(1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("GetAllRuns = %v, %v", runs, err)
	}
	return runs[0]
}

func smsBackup() RunConfig {
	return RunConfig{Kinds: []datatype.Kind{datatype.SMS}, BatchSize: 2}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New(Options{}) should fail")
	}
}

func TestBackupScenario(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if st.Phase != syncstate.FinishedBackup || st.Current != 3 || st.Total != 3 {
		t.Errorf("final state = %v", st)
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 1500 {
		t.Errorf("watermark = %d, want 1500", got)
	}
	if h.mb.folderCalls != 1 || h.mb.appendedCount(datatype.SMS) != 3 {
		t.Errorf("folder calls = %d, appended = %d", h.mb.folderCalls, h.mb.appendedCount(datatype.SMS))
	}
	if h.mb.closes != 1 {
		t.Errorf("CloseAll called %d times", h.mb.closes)
	}
	for _, p := range []syncstate.Phase{syncstate.Calculating, syncstate.LoggingIn, syncstate.BackingUp, syncstate.FinishedBackup} {
		if !h.rec.sawPhase(p) {
			t.Errorf("phase %v never published", p)
		}
	}
	if h.orch.CurrentState().Phase != syncstate.FinishedBackup {
		t.Errorf("CurrentState = %v", h.orch.CurrentState())
	}
	if run := h.lastRun(t); run.Status != checkpoint.StatusFinished || run.Synced != 3 || run.Direction != "backup" {
		t.Errorf("recorded run = %+v", run)
	}
	if h.orch.opts.Lock.Held() {
		t.Error("lock still held after the run")
	}
}

func TestBackupWatermarkAdvancesPerBatch(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	var seen []int64
	h.mb.appendHook = func(datatype.Kind, int) error {
		seen = append(seen, h.wm.Get(datatype.SMS, 0))
		return nil
	}

	if _, err := h.orch.Backup(context.Background(), smsBackup()); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	// batch size 2: {1001, 1002} then {1500}
	want := []int64{1000, 1002}
	if len(seen) != len(want) {
		t.Fatalf("appends = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("watermark before append %d = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestBackupRetriesOnceAfterAuthFailure(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	h.mb.folderErr = func(call int, _ datatype.Kind) error {
		if call == 1 {
			return syncerr.Auth("folder SMS", errors.New("token expired"))
		}
		return nil
	}

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if h.ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.ref.calls)
	}
	if st.Phase != syncstate.FinishedBackup || st.Current != 3 {
		t.Errorf("final state = %v", st)
	}
	if h.mb.appendedCount(datatype.SMS) != 3 {
		t.Errorf("appended = %d, want 3", h.mb.appendedCount(datatype.SMS))
	}
	if h.mb.clients != 2 || h.mb.closes != 2 {
		t.Errorf("clients = %d, closes = %d", h.mb.clients, h.mb.closes)
	}
}

func TestBackupRetriesAtMostOnce(t *testing.T) {
	h := newHarness(t, false)
	h.mb.folderErr = func(int, datatype.Kind) error {
		return syncerr.Auth("login", errors.New("AUTHENTICATIONFAILED"))
	}

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if !syncerr.IsAuth(err) {
		t.Fatalf("Backup error = %v, want authentication error", err)
	}
	if h.mb.folderCalls != 2 {
		t.Errorf("login attempts = %d, want 2", h.mb.folderCalls)
	}
	if h.ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.ref.calls)
	}
	if !st.IsError() || !st.IsAuthError() {
		t.Errorf("final state = %v", st)
	}
	if run := h.lastRun(t); run.Status != checkpoint.StatusFailed || run.Error == "" {
		t.Errorf("recorded run = %+v", run)
	}
}

func TestBackupRefreshFailureKeepsOriginalCause(t *testing.T) {
	h := newHarness(t, false)
	cause := syncerr.Auth("folder SMS", errors.New("rejected"))
	h.mb.folderErr = func(int, datatype.Kind) error { return cause }
	h.ref.err = errors.New("broker denied")

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if !errors.Is(err, cause) || !errors.Is(st.Err, cause) {
		t.Errorf("error = %v, state cause = %v, want %v", err, st.Err, cause)
	}
	if h.mb.folderCalls != 1 || h.ref.calls != 1 {
		t.Errorf("folder calls = %d, refresh calls = %d", h.mb.folderCalls, h.ref.calls)
	}
}

func TestBackupNonAuthErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(syncstate.State) bool
	}{
		{"connectivity", syncerr.Connectivity("connect", errors.New("no route to host")), syncstate.State.IsConnectivityError},
		{"protocol", syncerr.Protocol("append SMS", errors.New("i/o timeout")), func(s syncstate.State) bool { return syncerr.KindOf(s.Err) == syncerr.KindProtocol }},
		{"permission", syncerr.Permission("folder SMS", errors.New("denied")), syncstate.State.IsPermissionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.mb.folderErr = func(int, datatype.Kind) error { return tt.err }
			st, err := h.orch.Backup(context.Background(), smsBackup())
			if err == nil || !st.IsError() || !tt.check(st) {
				t.Errorf("state = %v, err = %v", st, err)
			}
			if h.ref.calls != 0 || h.mb.folderCalls != 1 {
				t.Errorf("refresh calls = %d, folder calls = %d", h.ref.calls, h.mb.folderCalls)
			}
		})
	}
}

func TestBackupChecksReachabilityBeforeBackingUp(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		refreshes int
		clients   int
		check     func(syncstate.State) bool
	}{
		{"unreachable", syncerr.Connectivity("connect", errors.New("no route to host")), 0, 1, syncstate.State.IsConnectivityError},
		{"login rejected", syncerr.Auth("login", errors.New("AUTHENTICATIONFAILED")), 1, 2, syncstate.State.IsAuthError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.wm.Set(datatype.SMS, 0, 1000)
			h.mb.reachErr = tt.err

			st, err := h.orch.Backup(context.Background(), smsBackup())
			if err == nil || !st.IsError() || !tt.check(st) {
				t.Fatalf("state = %v, err = %v", st, err)
			}
			if h.rec.sawPhase(syncstate.BackingUp) {
				t.Error("backing up started against an unreachable mailbox")
			}
			if h.mb.folderCalls != 0 || h.mb.appendedCount(datatype.SMS) != 0 {
				t.Errorf("folder calls = %d, appended = %d", h.mb.folderCalls, h.mb.appendedCount(datatype.SMS))
			}
			if h.ref.calls != tt.refreshes || h.mb.clients != tt.clients || h.mb.closes != tt.clients {
				t.Errorf("refreshes = %d, clients = %d, closes = %d", h.ref.calls, h.mb.clients, h.mb.closes)
			}
			if got := h.wm.Get(datatype.SMS, 0); got != 1000 {
				t.Errorf("watermark = %d, want 1000", got)
			}
		})
	}
}

func TestBackupEmptyStoreCountsAsFirstBackup(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.store.DB().Exec("DELETE FROM sms"); err != nil {
		t.Fatalf("clearing sms: %v", err)
	}
	if !h.wm.IsFirstRunEver(0) {
		t.Fatal("fresh state should be a first run")
	}

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if st.Phase != syncstate.FinishedBackup || st.Total != 0 {
		t.Errorf("final state = %v", st)
	}
	if h.wm.IsFirstRunEver(0) {
		t.Error("finished backup left no watermark row")
	}
	if got := h.wm.Get(datatype.SMS, 0); got != watermark.Never {
		t.Errorf("sms watermark = %d, want never", got)
	}
	if h.mb.clients != 0 {
		t.Error("client created for an empty run")
	}

	cfg := smsBackup()
	cfg.Skip = true
	if _, err := h.orch.Backup(context.Background(), cfg); !syncerr.IsConfiguration(err) {
		t.Errorf("skip after a finished backup: error = %v, want configuration error", err)
	}
}

func TestBackupRetryKeepsSyncedCount(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	appends := 0
	h.mb.appendHook = func(datatype.Kind, int) error {
		appends++
		if appends == 2 {
			return syncerr.Auth("append SMS", errors.New("token expired"))
		}
		return nil
	}

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if h.ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.ref.calls)
	}
	// batch size 2: {1001, 1002} lands, {1500} fails and is sent again after the refresh
	if st.Phase != syncstate.FinishedBackup || st.Current != 3 || st.Total != 3 {
		t.Errorf("final state = %v", st)
	}
	if h.mb.appendedCount(datatype.SMS) != 3 {
		t.Errorf("appended = %d, want 3", h.mb.appendedCount(datatype.SMS))
	}
	if run := h.lastRun(t); run.Synced != 3 || run.Total != 3 {
		t.Errorf("recorded run = %+v", run)
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 1500 {
		t.Errorf("watermark = %d, want 1500", got)
	}
}

func TestBackupSkipOnFirstRun(t *testing.T) {
	h := newHarness(t, true)
	cfg := RunConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}, Skip: true}

	st, err := h.orch.Backup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if st.Phase != syncstate.FinishedBackup || st.Current != 0 {
		t.Errorf("final state = %v", st)
	}
	if h.mb.folderCalls != 0 || h.mb.clients != 0 {
		t.Errorf("remote touched: folder calls = %d, clients = %d", h.mb.folderCalls, h.mb.clients)
	}
	for _, k := range cfg.Kinds {
		if got := h.wm.Get(k, 0); got != testNow.UnixMilli() {
			t.Errorf("%s watermark = %d, want now", k, got)
		}
	}

	// a second skip is refused before anything happens
	before := len(h.rec.states)
	if _, err := h.orch.Backup(context.Background(), cfg); !syncerr.IsConfiguration(err) {
		t.Errorf("second skip error = %v, want configuration error", err)
	}
	if len(h.rec.states) != before {
		t.Error("rejected run published states")
	}
}

func TestBackupDisabledKindIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	cfg := RunConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}, BatchSize: 10}

	st, err := h.orch.Backup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if st.Total != 3 {
		t.Errorf("total = %d, want 3", st.Total)
	}
	for _, k := range h.mb.folderKinds {
		if k == datatype.CallLog {
			t.Error("folder of the disabled call log was resolved")
		}
	}
	if h.orch.IsSourceEnabled(datatype.CallLog) || !h.orch.IsSourceEnabled(datatype.SMS) {
		t.Error("IsSourceEnabled disagrees with the configured sources")
	}
}

func TestBackupNothingPendingAdvancesToMostRecent(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1002)
	cfg := smsBackup()
	// the only row after 1002 belongs to person 9
	cfg.Contacts = source.Only(7)

	st, err := h.orch.Backup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if st.Phase != syncstate.FinishedBackup || st.Total != 0 {
		t.Errorf("final state = %v", st)
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 1500 {
		t.Errorf("watermark = %d, want 1500", got)
	}
	if h.mb.clients != 0 {
		t.Error("client created for an empty run")
	}
}

func TestBackupResumesFromWatermarks(t *testing.T) {
	h := newHarness(t, true)
	h.wm.Set(datatype.SMS, 0, 1000)
	cfg := RunConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}, BatchSize: 2}

	h.mb.appendHook = func(kind datatype.Kind, _ int) error {
		if kind == datatype.CallLog {
			return syncerr.Protocol("append Call log", errors.New("connection reset"))
		}
		return nil
	}
	if st, err := h.orch.Backup(context.Background(), cfg); err == nil || !st.IsError() {
		t.Fatalf("first run = %v, %v", st, err)
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 1500 {
		t.Errorf("sms watermark after failed run = %d, want 1500", got)
	}
	if got := h.wm.Get(datatype.CallLog, 0); got != watermark.Never {
		t.Errorf("call log watermark after failed run = %d, want never", got)
	}

	h.mb.appendHook = nil
	st, err := h.orch.Backup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if st.Total != 2 {
		t.Errorf("second run total = %d, want only the 2 calls", st.Total)
	}
	if h.mb.appendedCount(datatype.SMS) != 3 || h.mb.appendedCount(datatype.CallLog) != 2 {
		t.Errorf("appended sms = %d, calls = %d", h.mb.appendedCount(datatype.SMS), h.mb.appendedCount(datatype.CallLog))
	}
	if got := h.wm.Get(datatype.CallLog, 0); got != 2100 {
		t.Errorf("call log watermark = %d, want 2100", got)
	}
}

func TestBackupWatermarksNeverDecrease(t *testing.T) {
	h := newHarness(t, true)
	cfg := RunConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}, BatchSize: 1}
	var last int64 = watermark.Never
	h.mb.appendHook = func(datatype.Kind, int) error {
		cur := h.wm.MostRecent(0)
		if cur < last {
			t.Errorf("watermark went back from %d to %d", last, cur)
		}
		last = cur
		return nil
	}
	for i := 0; i < 3; i++ {
		if _, err := h.orch.Backup(context.Background(), cfg); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := h.orch.MostRecentGlobalSyncTimestamp(); got != 2100 {
		t.Errorf("MostRecentGlobalSyncTimestamp = %d, want 2100", got)
	}
}

func TestBackupCancelStopsBetweenBatches(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	h.mb.appendHook = func(datatype.Kind, int) error {
		h.orch.RequestCancel()
		return nil
	}
	cfg := smsBackup()
	cfg.BatchSize = 1

	st, err := h.orch.Backup(context.Background(), cfg)
	if !syncerr.IsCanceled(err) {
		t.Fatalf("Backup error = %v, want canceled", err)
	}
	if st.Phase != syncstate.CanceledBackup || st.Current != 1 {
		t.Errorf("final state = %v", st)
	}
	if h.mb.appendedCount(datatype.SMS) != 1 {
		t.Errorf("appended = %d, want the in-flight batch only", h.mb.appendedCount(datatype.SMS))
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 1001 {
		t.Errorf("watermark = %d, want 1001", got)
	}
	if run := h.lastRun(t); run.Status != checkpoint.StatusCanceled {
		t.Errorf("recorded status = %s", run.Status)
	}

	// the flag is reset by the next run
	h.mb.appendHook = nil
	if st, err := h.orch.Backup(context.Background(), cfg); err != nil || st.Current != 2 {
		t.Errorf("next run = %v, %v", st, err)
	}
}

func TestBackupContextCanceled(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := h.orch.Backup(ctx, smsBackup())
	if !syncerr.IsCanceled(err) || st.Phase != syncstate.CanceledBackup {
		t.Errorf("state = %v, err = %v", st, err)
	}
}

func TestBackupValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  RunConfig
	}{
		{"no kinds", RunConfig{}},
		{"duplicate kind", RunConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.SMS}}},
		{"unknown kind", RunConfig{Kinds: []datatype.Kind{datatype.Kind(42)}}},
		{"negative batch", RunConfig{Kinds: []datatype.Kind{datatype.SMS}, BatchSize: -1}},
		{"negative retry", RunConfig{Kinds: []datatype.Kind{datatype.SMS}, Retry: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			_, err := h.orch.Backup(context.Background(), tt.cfg)
			if !syncerr.IsConfiguration(err) {
				t.Errorf("error = %v, want configuration error", err)
			}
			if len(h.rec.states) != 0 {
				t.Error("invalid run published states")
			}
		})
	}
}

func TestRunsAreMutuallyExclusive(t *testing.T) {
	first := newHarness(t, false)
	second := newHarness(t, false)
	second.orch.opts.Lock = first.orch.opts.Lock

	started := make(chan struct{})
	release := make(chan struct{})
	first.mb.appendHook = func(datatype.Kind, int) error {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := first.orch.Backup(context.Background(), smsBackup())
		done <- err
	}()
	<-started

	if _, err := second.orch.Backup(context.Background(), smsBackup()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent backup error = %v", err)
	}
	if _, err := second.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS}}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent restore error = %v", err)
	}
	if _, err := first.orch.Backup(context.Background(), smsBackup()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("reentrant backup error = %v", err)
	}
	if !second.orch.CurrentState().IsInitial() || second.mb.folderCalls != 0 {
		t.Error("rejected run touched state or remote")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := second.orch.Backup(context.Background(), smsBackup()); err != nil {
		t.Errorf("backup after release: %v", err)
	}
}

func TestBackupPanicReleasesLock(t *testing.T) {
	h := newHarness(t, false)
	h.mb.appendHook = func(datatype.Kind, int) error { panic("boom") }

	st, err := h.orch.Backup(context.Background(), smsBackup())
	if err == nil || !st.IsError() || !strings.Contains(err.Error(), "boom") {
		t.Errorf("state = %v, err = %v", st, err)
	}
	if h.orch.opts.Lock.Held() {
		t.Error("lock held after panic")
	}
	if run := h.lastRun(t); run.Status != checkpoint.StatusFailed {
		t.Errorf("recorded status = %s", run.Status)
	}
}

func TestLockGuardReleaseIsIdempotent(t *testing.T) {
	var l Lock
	g, ok := l.TryAcquire("backup")
	if !ok || l.Owner() != "backup" {
		t.Fatal("first acquire failed")
	}
	if _, ok := l.TryAcquire("restore"); ok {
		t.Fatal("second acquire succeeded")
	}
	g.Release()
	g2, ok := l.TryAcquire("restore")
	if !ok {
		t.Fatal("acquire after release failed")
	}
	g.Release() // stale guard must not free the new holder
	if !l.Held() {
		t.Error("stale Release freed the lock")
	}
	g2.Release()
	if l.Held() {
		t.Error("lock held after release")
	}
}

func (h *harness) remote(t *testing.T, recs ...source.Record) []transfer.RemoteMessage {
	t.Helper()
	out := make([]transfer.RemoteMessage, 0, len(recs))
	for i, rec := range recs {
		msg, ok, err := h.conv.Message(rec)
		if err != nil || !ok {
			t.Fatalf("render %+v: %v", rec, err)
		}
		out = append(out, transfer.RemoteMessage{SeqNum: uint32(i + 1), Flags: msg.Flags, Date: msg.Date, Body: msg.Body})
	}
	return out
}

func countRows(t *testing.T, h *harness, query string) int {
	t.Helper()
	var n int
	if err := h.store.DB().QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestRestore(t *testing.T) {
	h := newHarness(t, true, "UPDATE sms SET thread_id = 42 WHERE thread_id IS NULL")
	h.wm.Set(datatype.SMS, 0, 1500)

	sms := h.remote(t,
		source.Record{Kind: datatype.SMS, ID: "1", Timestamp: 1001, Type: source.TypeInbox, Address: "+100", Body: "hello", Read: true},
		source.Record{Kind: datatype.SMS, ID: "7", Timestamp: 3000, Type: source.TypeInbox, Address: "+400", Body: "new one", Read: true},
		source.Record{Kind: datatype.SMS, ID: "8", Timestamp: 3100, Type: source.TypeSent, Address: "+400", Body: "reply"},
		source.Record{Kind: datatype.SMS, ID: "9", Timestamp: 3200, Type: source.TypeDraft, Address: "+400", Body: "unsent"},
		source.Record{Kind: datatype.MMS, ID: "10", Timestamp: 3300000, Type: source.TypeInbox, Address: "+400", Body: "picture"},
	)
	sms = append(sms, transfer.RemoteMessage{SeqNum: 6, Body: []byte("Subject: hi\r\n\r\nnot a backup\r\n")})
	h.mb.folder(datatype.SMS).remote = sms
	h.mb.folder(datatype.CallLog).remote = h.remote(t,
		source.Record{Kind: datatype.CallLog, ID: "1", Timestamp: 2000, Type: 1, Address: "+300", Duration: 60},
		source.Record{Kind: datatype.CallLog, ID: "5", Timestamp: 4000, Type: 3, Address: "+500"},
	)

	st, err := h.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st.Phase != syncstate.FinishedRestore {
		t.Errorf("final state = %v", st)
	}
	if st.Restored != 3 || st.Duplicates != 2 || st.Total != 8 || st.Current != 8 {
		t.Errorf("counts: restored %d, duplicates %d, %d/%d", st.Restored, st.Duplicates, st.Current, st.Total)
	}
	if !h.rec.sawPhase(syncstate.Restoring) || !h.rec.sawPhase(syncstate.UpdatingDerived) {
		t.Error("restore phases not published")
	}

	if n := countRows(t, h, "SELECT COUNT(*) FROM sms"); n != 7 {
		t.Errorf("sms rows = %d, want 7", n)
	}
	if n := countRows(t, h, "SELECT COUNT(*) FROM sms WHERE thread_id = 42"); n != 2 {
		t.Errorf("threaded restored rows = %d, want 2", n)
	}
	if n := countRows(t, h, "SELECT COUNT(*) FROM calls"); n != 3 {
		t.Errorf("call rows = %d, want 3", n)
	}
	if got := h.wm.Get(datatype.SMS, 0); got != 3100 {
		t.Errorf("sms watermark = %d, want 3100", got)
	}
	if got := h.wm.Get(datatype.CallLog, 0); got != 4000 {
		t.Errorf("call log watermark = %d, want 4000", got)
	}
	if run := h.lastRun(t); run.Direction != "restore" || run.Status != checkpoint.StatusFinished {
		t.Errorf("recorded run = %+v", run)
	}

	// restoring again only finds duplicates
	st, err = h.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS, datatype.CallLog}})
	if err != nil || st.Restored != 0 || st.Duplicates != 5 {
		t.Errorf("second restore = %v (restored %d, duplicates %d), %v", st, st.Restored, st.Duplicates, err)
	}
	if h.rec.states[len(h.rec.states)-2].Phase == syncstate.UpdatingDerived {
		t.Error("threads refreshed although nothing was inserted")
	}
}

func TestRestoreLimitsAndStarred(t *testing.T) {
	h := newHarness(t, false)
	msgs := h.remote(t,
		source.Record{Kind: datatype.SMS, ID: "1", Timestamp: 5000, Type: source.TypeInbox, Address: "+1", Body: "a"},
		source.Record{Kind: datatype.SMS, ID: "2", Timestamp: 5001, Type: source.TypeInbox, Address: "+1", Body: "b"},
		source.Record{Kind: datatype.SMS, ID: "3", Timestamp: 5002, Type: source.TypeInbox, Address: "+1", Body: "c"},
	)
	msgs[0].Flags = append(msgs[0].Flags, `\Flagged`)
	h.mb.folder(datatype.SMS).remote = msgs

	st, err := h.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS}, StarredOnly: true})
	if err != nil || st.Restored != 1 {
		t.Errorf("starred restore = %v, %v", st, err)
	}
	st, err = h.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS}, MaxItems: 2})
	if err != nil || st.Total != 2 || st.Restored != 2 {
		t.Errorf("limited restore = %v, %v", st, err)
	}
}

func TestRestoreRetriesOnceAfterAuthFailure(t *testing.T) {
	h := newHarness(t, false)
	h.mb.folder(datatype.SMS).remote = h.remote(t,
		source.Record{Kind: datatype.SMS, ID: "1", Timestamp: 5000, Type: source.TypeInbox, Address: "+1", Body: "a"},
	)
	h.mb.folderErr = func(call int, _ datatype.Kind) error {
		if call == 1 {
			return syncerr.Auth("folder SMS", errors.New("expired"))
		}
		return nil
	}

	st, err := h.orch.Restore(context.Background(), RestoreConfig{Kinds: []datatype.Kind{datatype.SMS}})
	if err != nil || st.Restored != 1 || st.Phase != syncstate.FinishedRestore {
		t.Errorf("restore = %v, %v", st, err)
	}
	if h.ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.ref.calls)
	}
}

func TestRestoreCancel(t *testing.T) {
	h := newHarness(t, false)
	h.mb.folder(datatype.SMS).remote = h.remote(t,
		source.Record{Kind: datatype.SMS, ID: "1", Timestamp: 5000, Type: source.TypeInbox, Address: "+1", Body: "a"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := h.orch.Restore(ctx, RestoreConfig{Kinds: []datatype.Kind{datatype.SMS}})
	if !syncerr.IsCanceled(err) || st.Phase != syncstate.CanceledRestore {
		t.Errorf("state = %v, err = %v", st, err)
	}
	if n := countRows(t, h, "SELECT COUNT(*) FROM sms"); n != 5 {
		t.Errorf("sms rows = %d, want untouched 5", n)
	}
}

func TestRestoreValidation(t *testing.T) {
	h := newHarness(t, false)
	for _, kinds := range [][]datatype.Kind{nil, {datatype.WhatsApp}, {datatype.MMS}} {
		if _, err := h.orch.Restore(context.Background(), RestoreConfig{Kinds: kinds}); !syncerr.IsConfiguration(err) {
			t.Errorf("Restore(%v) error = %v, want configuration error", kinds, err)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, false)
	res := h.orch.HealthCheck(context.Background(), []datatype.Kind{datatype.SMS, datatype.CallLog})
	if !res.Healthy || !res.RemoteConnected {
		t.Errorf("result = %+v", res)
	}
	if len(res.Stores) != 2 || !res.Stores[0].Connected || res.Stores[1].Enabled {
		t.Errorf("stores = %+v", res.Stores)
	}
	if len(res.Folders) != 2 || res.Folders[1].Folder != "Call log" {
		t.Errorf("folders = %+v", res.Folders)
	}

	h.mb.reachErr = syncerr.Connectivity("connect", errors.New("refused"))
	res = h.orch.HealthCheck(context.Background(), []datatype.Kind{datatype.SMS})
	if res.Healthy || res.RemoteError == "" {
		t.Errorf("unreachable result = %+v", res)
	}
}

func TestStatusAndHistory(t *testing.T) {
	h := newHarness(t, false)
	h.wm.Set(datatype.SMS, 0, 1000)
	if _, err := h.orch.Backup(context.Background(), smsBackup()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	report, err := h.orch.Status(h.state)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.LastSync != 1500 || report.LastRun == nil || report.Interrupted != nil {
		t.Errorf("report = %+v", report)
	}
	var buf bytes.Buffer
	report.Print(&buf)
	if !strings.Contains(buf.String(), "sms") || !strings.Contains(buf.String(), "never") {
		t.Errorf("status output:\n%s", buf.String())
	}

	buf.Reset()
	if err := ShowHistory(&buf, h.state, 10); err != nil {
		t.Fatalf("ShowHistory: %v", err)
	}
	if !strings.Contains(buf.String(), report.LastRun.ID) {
		t.Errorf("history output:\n%s", buf.String())
	}

	buf.Reset()
	if err := ShowRunDetails(&buf, h.state, report.LastRun.ID); err != nil {
		t.Fatalf("ShowRunDetails: %v", err)
	}
	if !strings.Contains(buf.String(), "3/3") {
		t.Errorf("run details:\n%s", buf.String())
	}
	if err := ShowRunDetails(&buf, h.state, "missing"); err == nil {
		t.Error("ShowRunDetails of unknown run should fail")
	}
}

func TestStatusReportsInterruptedRun(t *testing.T) {
	h := newHarness(t, false)
	if err := h.state.CreateRun(checkpoint.Run{ID: "dead", Direction: "backup", StartedAt: testNow}, nil); err != nil {
		t.Fatal(err)
	}
	report, err := h.orch.Status(h.state)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Interrupted == nil || report.Interrupted.ID != "dead" {
		t.Errorf("interrupted = %+v", report.Interrupted)
	}
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
