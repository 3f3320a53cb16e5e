package watermark

import (
	"errors"
	"fmt"
	"testing"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
)

type memStore struct {
	rows    map[string]int64
	failGet bool
	failSet bool
}

func newMemStore() *memStore { return &memStore{rows: map[string]int64{}} }

func key(kind string, account int) string { return fmt.Sprintf("%s/%d", kind, account) }

func (m *memStore) GetWatermark(kind string, account int) (int64, bool, error) {
	if m.failGet {
		return 0, false, errors.New("disk I/O error")
	}
	ts, ok := m.rows[key(kind, account)]
	return ts, ok, nil
}

func (m *memStore) SetWatermark(kind string, account int, ts int64) error {
	if m.failSet {
		return errors.New("database is locked")
	}
	m.rows[key(kind, account)] = ts
	return nil
}

func (m *memStore) ListWatermarks(account int) (map[string]int64, error) {
	out := map[string]int64{}
	for _, k := range datatype.All {
		if ts, ok := m.rows[key(k.String(), account)]; ok {
			out[k.String()] = ts
		}
	}
	return out, nil
}

func (m *memStore) ClearWatermarks() error {
	m.rows = map[string]int64{}
	return nil
}

func TestGetDefaultsToNever(t *testing.T) {
	r := New(newMemStore())
	if got := r.Get(datatype.SMS, 0); got != Never {
		t.Errorf("Get() = %d, want Never", got)
	}
	store := newMemStore()
	store.failGet = true
	if got := New(store).Get(datatype.SMS, 0); got != Never {
		t.Errorf("Get() on failing store = %d, want Never", got)
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	r := New(newMemStore())
	steps := []struct {
		ts   int64
		want int64
	}{
		{1000, 1000},
		{1500, 1500},
		{1200, 1500},
		{Never, 1500},
		{1500, 1500},
		{2000, 2000},
	}
	last := Never
	for i, s := range steps {
		if !r.Advance(datatype.SMS, 0, s.ts) {
			t.Fatalf("step %d: Advance failed", i)
		}
		got := r.Get(datatype.SMS, 0)
		if got != s.want {
			t.Errorf("step %d: watermark = %d, want %d", i, got, s.want)
		}
		if got < last {
			t.Errorf("step %d: watermark decreased %d -> %d", i, last, got)
		}
		last = got
	}
}

func TestAdvanceNeverMarksFirstRun(t *testing.T) {
	r := New(newMemStore())
	if !r.IsFirstRunEver(0) {
		t.Fatal("empty registry is not a first run")
	}
	r.Advance(datatype.CallLog, 0, Never)
	if r.IsFirstRunEver(0) {
		t.Error("still first run after a Never row was written")
	}
	if r.Get(datatype.CallLog, 0) != Never {
		t.Error("Never row should read back as Never")
	}
	if !r.IsFirstRunEver(1) {
		t.Error("other account affected")
	}
}

func TestSetFailureReported(t *testing.T) {
	store := newMemStore()
	store.failSet = true
	r := New(store)
	if r.Set(datatype.SMS, 0, 1) {
		t.Error("Set() reported success on failing store")
	}
	if r.Advance(datatype.SMS, 0, 1) {
		t.Error("Advance() reported success on failing store")
	}
}

func TestMostRecentAndReset(t *testing.T) {
	r := New(newMemStore())
	r.Set(datatype.SMS, 0, 1500)
	r.Set(datatype.CallLog, 0, 2500)
	r.Set(datatype.MMS, 1, 9000)

	if got := r.MostRecent(0); got != 2500 {
		t.Errorf("MostRecent(0) = %d, want 2500", got)
	}
	if got := r.MostRecent(2); got != Never {
		t.Errorf("MostRecent(2) = %d, want Never", got)
	}
	all := r.All(0)
	if all[datatype.SMS] != 1500 || all[datatype.WhatsApp] != Never {
		t.Errorf("All(0) = %v", all)
	}

	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !r.IsFirstRunEver(0) || !r.IsFirstRunEver(1) {
		t.Error("Reset left watermarks behind")
	}
}
