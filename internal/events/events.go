// Package events publishes run state transitions to NATS so other services can
// follow backups as they happen.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/progress"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
)

// Event is the payload of one published transition.
type Event struct {
	Account  int                     `json:"account"`
	Sequence int64                   `json:"sequence"`
	Update   progress.ProgressUpdate `json:"update"`
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher is a syncstate observer that sends phase changes and terminal states to
// a NATS subject. Progress within a phase is not published.
type Publisher struct {
	conn    msgPublisher
	nc      *nats.Conn
	subject string
	account int

	mu    sync.Mutex
	seq   int64
	phase syncstate.Phase
	seen  bool
}

// Connect dials url and returns a publisher for subject.
func Connect(url, subject string, account int) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("sms-backup-sync"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := newPublisher(nc, subject, account)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, subject string, account int) *Publisher {
	return &Publisher{conn: conn, subject: subject, account: account}
}

// OnState implements syncstate.Observer.
func (p *Publisher) OnState(s syncstate.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen && s.Phase == p.phase {
		return
	}
	p.phase, p.seen = s.Phase, true
	p.seq++

	payload, err := json.Marshal(Event{Account: p.account, Sequence: p.seq, Update: progress.FromState(s)})
	if err != nil {
		logging.Warn("Failed to marshal state event: %v", err)
		return
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, strconv.Itoa(p.account)+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	msg.Header.Set("Sms-Phase", s.Phase.String())
	if err := p.conn.PublishMsg(msg); err != nil {
		logging.Warn("Failed to publish state event: %v", err)
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Flush(); err != nil {
		logging.Debug("NATS flush: %v", err)
	}
	p.nc.Close()
}
