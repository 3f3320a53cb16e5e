package syncstate

import (
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *recorder) OnState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, s.Phase)
}

func (r *recorder) seen() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster()
	a, c := &recorder{}, &recorder{}
	b.Subscribe(a)
	b.Subscribe(c)
	b.Subscribe(a) // duplicate ignored

	s := New(Manual)
	for _, p := range []Phase{Calculating, LoggingIn, BackingUp, FinishedBackup} {
		s = s.Transition(p, nil)
		b.Publish(s)
	}

	want := []Phase{Calculating, LoggingIn, BackingUp, FinishedBackup}
	for _, r := range []*recorder{a, c} {
		got := r.seen()
		if len(got) != len(want) {
			t.Fatalf("observer saw %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("delivery %d = %v, want %v", i, got[i], want[i])
			}
		}
	}
	if b.Current().Phase != FinishedBackup {
		t.Errorf("Current() = %v", b.Current().Phase)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	a, c := &recorder{}, &recorder{}
	b.Subscribe(a)
	b.Subscribe(c)

	b.Publish(New(Manual).Transition(Calculating, nil))
	b.Unsubscribe(a)
	b.Publish(New(Manual).Transition(LoggingIn, nil))

	if len(a.seen()) != 1 {
		t.Errorf("unsubscribed observer saw %v", a.seen())
	}
	if len(c.seen()) != 2 {
		t.Errorf("remaining observer saw %v", c.seen())
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}

	b.Unsubscribe(a) // not subscribed any more
	if b.Len() != 1 {
		t.Errorf("Len() after repeated unsubscribe = %d", b.Len())
	}
}

func TestBroadcasterLateSubscriberReadsSnapshot(t *testing.T) {
	b := NewBroadcaster()
	if !b.Current().IsInitial() {
		t.Fatalf("new broadcaster state = %v", b.Current())
	}
	b.Publish(New(Incoming).Transition(BackingUp, nil).WithProgress(4, 9, 0))

	late := &recorder{}
	b.Subscribe(late)
	if len(late.seen()) != 0 {
		t.Error("subscribe replayed past states")
	}
	cur := b.Current()
	if cur.Phase != BackingUp || cur.Current != 4 || cur.RunKind != Incoming {
		t.Errorf("Current() = %+v", cur)
	}
}
