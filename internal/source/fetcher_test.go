package source

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// newPhoneDB creates a SQLite file with the phone's sms and calls tables.
func newPhoneDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mmssms.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

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
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("setup %q: %v", s, err)
		}
	}
	return path
}

func openPhoneStore(t *testing.T, after ...string) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore("sqlite", driver.ConnConfig{Path: newPhoneDB(t)}, after)
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFetchReturnsRecordsAfterWatermark(t *testing.T) {
	store := openPhoneStore(t)
	f := NewFetcher(NewPlanner(fixedWatermarks{datatype.SMS: 1000}, 0),
		&Source{Kind: datatype.SMS, Store: store, Enabled: true})

	c := f.Fetch(context.Background(), datatype.SMS, Everyone(), 0)
	if c.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", c.Count())
	}
	var got []int64
	for c.Next() {
		got = append(got, c.Record().Timestamp)
	}
	want := []int64{1001, 1002, 1500}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d timestamp = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFetchContactFilterAndLimit(t *testing.T) {
	store := openPhoneStore(t)
	f := NewFetcher(NewPlanner(fixedWatermarks{}, 0),
		&Source{Kind: datatype.SMS, Store: store, Enabled: true})

	c := f.Fetch(context.Background(), datatype.SMS, Only(7), 0)
	// contact 7 plus the sent message; draft and contact 9 excluded
	if c.Count() != 3 {
		t.Errorf("filtered Count() = %d, want 3", c.Count())
	}

	capped := f.Fetch(context.Background(), datatype.SMS, Everyone(), 2)
	if capped.Count() != 2 {
		t.Errorf("capped Count() = %d, want 2", capped.Count())
	}
	capped.Next()
	if capped.Record().Timestamp != 900 {
		t.Errorf("first capped row = %d, want oldest first", capped.Record().Timestamp)
	}
}

func TestMostRecentTimestamp(t *testing.T) {
	store := openPhoneStore(t)
	f := NewFetcher(NewPlanner(fixedWatermarks{}, 0),
		&Source{Kind: datatype.SMS, Store: store, Enabled: true},
		&Source{Kind: datatype.CallLog, Store: store, Enabled: true},
		&Source{Kind: datatype.MMS, Store: store, Enabled: false},
	)
	ctx := context.Background()

	tests := []struct {
		kind datatype.Kind
		want int64
	}{
		{datatype.SMS, 1500},
		{datatype.CallLog, Unavailable},  // empty table
		{datatype.MMS, Unavailable},      // disabled
		{datatype.WhatsApp, Unavailable}, // no store
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := f.MostRecentTimestamp(ctx, tt.kind); got != tt.want {
				t.Errorf("MostRecentTimestamp(%v) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

type failingStore struct {
	err error
}

func (s failingStore) Dialect() driver.Dialect {
	d, _ := driver.Get("sqlite")
	return d.Dialect()
}

func (s failingStore) Query(context.Context, Query) ([]Record, error) {
	return nil, s.err
}

func TestFetchDegradesToEmpty(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission", syncerr.Permission("sqlite", errors.New("attempt to write a readonly database"))},
		{"other", errors.New("no such table: sms")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFetcher(NewPlanner(fixedWatermarks{}, 0),
				&Source{Kind: datatype.SMS, Store: failingStore{err: tt.err}, Enabled: true})
			c := f.Fetch(context.Background(), datatype.SMS, Everyone(), 0)
			if c.Count() != 0 || c.HasNext() {
				t.Errorf("expected empty cursor, got %d rows", c.Count())
			}
			if ts := f.MostRecentTimestamp(context.Background(), datatype.SMS); ts != Unavailable {
				t.Errorf("MostRecentTimestamp = %d, want Unavailable", ts)
			}
		})
	}
}

func TestFetchDisabledKind(t *testing.T) {
	store := openPhoneStore(t)
	f := NewFetcher(NewPlanner(fixedWatermarks{}, 0),
		&Source{Kind: datatype.SMS, Store: store, Enabled: false})
	if f.Enabled(datatype.SMS) {
		t.Error("disabled kind reported enabled")
	}
	if c := f.Fetch(context.Background(), datatype.SMS, Everyone(), 0); c.Count() != 0 {
		t.Errorf("disabled kind returned %d rows", c.Count())
	}
}

func TestSQLStoreInsertAndExists(t *testing.T) {
	store := openPhoneStore(t, `UPDATE calls SET duration = duration`)
	ctx := context.Background()
	sc := DefaultSchema(datatype.CallLog)
	rec := Record{Kind: datatype.CallLog, Timestamp: 2000, Type: TypeInbox, Address: "+300", Duration: 42}

	exists, err := store.Exists(ctx, sc, rec)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("record exists before insert")
	}
	if err := store.Insert(ctx, sc, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if exists, _ = store.Exists(ctx, sc, rec); !exists {
		t.Error("record missing after insert")
	}
	other := rec
	other.Duration = 43
	if exists, _ = store.Exists(ctx, sc, other); exists {
		t.Error("different duration matched as duplicate")
	}
	if err := store.RefreshThreads(ctx); err != nil {
		t.Errorf("RefreshThreads: %v", err)
	}

	rows, err := store.Query(ctx, NewPlanner(fixedWatermarks{}, 0).Plan(store.Dialect(), sc, Everyone(), 0))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].Address != "+300" || rows[0].Duration != 42 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestSQLStoreMissingFile(t *testing.T) {
	_, err := OpenSQLStore("sqlite", driver.ConnConfig{Path: filepath.Join(t.TempDir(), "absent.db")}, nil)
	if err == nil {
		t.Fatal("expected error opening missing store")
	}
}
