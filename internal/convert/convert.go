// Package convert turns record-store rows into mail messages and back.
//
// Backups call Convert repeatedly on the same cursor with the same batch size until
// the cursor is drained; each call consumes the current row and up to batchSize-1
// following rows. Rows that do not produce a message (no address, unknown call
// type) are counted but skipped, so a batch may legitimately yield nothing.
package convert

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/source"
)

// ReadMarking chooses which backed up messages get the \Seen flag.
type ReadMarking int

const (
	// MarkByStatus copies the phone's read status (default).
	MarkByStatus ReadMarking = iota
	MarkAllRead
	MarkAllUnread
)

// ParseReadMarking parses "status", "read" or "unread".
func ParseReadMarking(s string) (ReadMarking, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "status":
		return MarkByStatus, nil
	case "read":
		return MarkAllRead, nil
	case "unread":
		return MarkAllUnread, nil
	}
	return MarkByStatus, fmt.Errorf("unknown read marking %q (valid: status, read, unread)", s)
}

// Options configure message rendering.
type Options struct {
	// UserEmail is the mailbox owner, used as the user's side of every conversation.
	UserEmail string
	// Reference is a stable per-installation value used to thread messages by contact.
	Reference     string
	SubjectPrefix bool
	MarkRead      ReadMarking
	Version       string
	Now           func() time.Time
}

// Message is one rendered RFC 5322 message ready for appending.
type Message struct {
	Kind      datatype.Kind
	MessageID string
	Date      time.Time
	Flags     []string
	Body      []byte
}

// Result is the output of one Convert call.
type Result struct {
	Kind     datatype.Kind
	Messages []Message
	// MaxDate is the newest timestamp (ms) among the consumed rows, or -1.
	MaxDate int64
	// Rows is the number of rows consumed, including skipped ones.
	Rows int
}

// Converter renders records.
type Converter struct {
	opts Options
}

// New creates a converter.
func New(opts Options) *Converter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "1"
	}
	if opts.Reference == "" {
		opts.Reference = "sms-backup-sync"
	}
	return &Converter{opts: opts}
}

// Convert consumes the row the cursor is on plus up to batchSize-1 following rows.
// A cursor that was never advanced is moved onto its first row.
func (c *Converter) Convert(cur source.Cursor, kind datatype.Kind, batchSize int) (Result, error) {
	res := Result{Kind: kind, MaxDate: -1}
	if batchSize < 1 {
		batchSize = 1
	}
	if cur.Position() < 0 && !cur.Next() {
		return res, nil
	}
	for {
		rec := cur.Record()
		res.Rows++
		if rec.Timestamp > res.MaxDate {
			res.MaxDate = rec.Timestamp
		}
		msg, ok, err := c.Message(rec)
		if err != nil {
			return res, fmt.Errorf("converting %s record %s: %w", kind, rec.ID, err)
		}
		if ok {
			res.Messages = append(res.Messages, msg)
		}
		if res.Rows >= batchSize || !cur.Next() {
			break
		}
	}
	return res, nil
}

// Message renders a single record. ok is false for records that are skipped.
func (c *Converter) Message(rec source.Record) (msg Message, ok bool, err error) {
	var (
		subjectFmt string
		body       string
		incoming   bool
		extra      map[string]string
	)
	switch rec.Kind {
	case datatype.SMS:
		if rec.Address == "" {
			logging.Debug("Skipping SMS %s without address", rec.ID)
			return Message{}, false, nil
		}
		subjectFmt = "SMS with %s"
		body = rec.Body
		incoming = rec.Type == source.TypeInbox
		extra = map[string]string{
			HeaderThreadID:      rec.ThreadID,
			HeaderRead:          boolField(rec.Read),
			HeaderStatus:        rec.Field("status"),
			HeaderProtocol:      rec.Field("protocol"),
			HeaderServiceCenter: rec.Field("service_center"),
		}
	case datatype.MMS:
		subjectFmt = "MMS with %s"
		body = rec.Body
		incoming = rec.Type == source.TypeInbox
		extra = map[string]string{
			HeaderThreadID: rec.ThreadID,
			HeaderRead:     boolField(rec.Read),
		}
	case datatype.CallLog:
		if rec.Type != callIncoming && rec.Type != callOutgoing && rec.Type != callMissed {
			logging.Debug("Skipping call %s of unknown type %d", rec.ID, rec.Type)
			return Message{}, false, nil
		}
		subjectFmt = "Call with %s"
		body = formatCall(rec.Type, rec.Address, rec.Duration)
		incoming = rec.Type != callOutgoing
		extra = map[string]string{HeaderDuration: strconv.FormatInt(rec.Duration, 10)}
	case datatype.WhatsApp:
		if rec.Body == "" {
			return Message{}, false, nil
		}
		subjectFmt = "WhatsApp with %s"
		body = rec.Body
		// key_from_me is 1 for the user's own messages
		incoming = rec.Type == 0
		extra = map[string]string{HeaderStatus: rec.Field("status")}
	default:
		return Message{}, false, fmt.Errorf("unsupported data type %v", rec.Kind)
	}

	address := rec.Address
	if address == "" {
		address = unknownAddress
	}
	date := time.UnixMilli(rec.Timestamp)
	if rec.Timestamp <= 0 {
		date = c.opts.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetSubject(c.subject(rec.Kind, subjectFmt, address))
	contact := []*mail.Address{contactAddress(address)}
	user := []*mail.Address{{Address: c.opts.UserEmail}}
	if incoming {
		h.SetAddressList("From", contact)
		h.SetAddressList("To", user)
	} else {
		h.SetAddressList("From", user)
		h.SetAddressList("To", contact)
	}

	msgID := messageID(rec)
	h.Set("Message-ID", msgID)
	h.Set("References", c.reference(rec, address))
	h.Set(HeaderID, rec.ID)
	h.Set(HeaderAddress, sanitize(address))
	h.Set(HeaderDataType, strings.ToUpper(rec.Kind.String()))
	h.Set(HeaderType, strconv.Itoa(rec.Type))
	h.Set(HeaderDate, rawDate(rec))
	h.Set(HeaderBackupTime, c.opts.Now().UTC().Format(time.RFC1123))
	h.Set(HeaderVersion, c.opts.Version)
	for k, v := range extra {
		if v != "" {
			h.Set(k, v)
		}
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return Message{}, false, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return Message{}, false, err
	}
	if err := w.Close(); err != nil {
		return Message{}, false, err
	}

	msg = Message{Kind: rec.Kind, MessageID: msgID, Date: date, Body: buf.Bytes()}
	if c.seen(rec) {
		msg.Flags = []string{FlagSeen}
	}
	return msg, true, nil
}

func (c *Converter) subject(kind datatype.Kind, format, who string) string {
	if c.opts.SubjectPrefix {
		return fmt.Sprintf("[%s] %s", kind.Describe().Label, who)
	}
	return fmt.Sprintf(format, who)
}

// reference threads messages by contact rather than thread id, which is more stable
// across phones.
func (c *Converter) reference(rec source.Record, address string) string {
	who := rec.Person
	if who == "" {
		who = strings.ReplaceAll(sanitize(address), "@", ".")
	}
	return fmt.Sprintf("<%s.%s@%s>", c.opts.Reference, who, mailDomain)
}

func (c *Converter) seen(rec source.Record) bool {
	switch c.opts.MarkRead {
	case MarkAllRead:
		return true
	case MarkAllUnread:
		return false
	}
	switch rec.Kind {
	case datatype.SMS, datatype.MMS:
		return rec.Read
	}
	return true
}

// messageID derives the Message-ID from date, address and type so that re-sending
// a record yields the same id.
func messageID(rec source.Record) string {
	key := fmt.Sprintf("%d|%s|%d", rec.Timestamp, rec.Address, rec.Type)
	return fmt.Sprintf("<%s@%s>", uuid.NewMD5(uuid.NameSpaceOID, []byte(key)), mailDomain)
}

// rawDate returns the date as stored by the record store.
func rawDate(rec source.Record) string {
	if rec.Kind.Describe().SecondsTimestamps {
		return strconv.FormatInt(rec.Timestamp/1000, 10)
	}
	return strconv.FormatInt(rec.Timestamp, 10)
}

func contactAddress(address string) *mail.Address {
	local := sanitize(address)
	if strings.Contains(address, "@") {
		return &mail.Address{Name: address, Address: address}
	}
	return &mail.Address{Name: address, Address: local + "@" + unknownDomain}
}

// sanitize keeps characters that are safe in an address local part.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case strings.ContainsRune("+-._@", r):
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return unknownAddress
	}
	return b.String()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatCall(callType int, number string, seconds int64) string {
	var b strings.Builder
	if callType != callMissed {
		fmt.Fprintf(&b, "%ds (%02d:%02d:%02d)\n", seconds, seconds/3600, seconds%3600/60, seconds%60)
	}
	label := "incoming call"
	switch callType {
	case callOutgoing:
		label = "outgoing call"
	case callMissed:
		label = "missed call"
	}
	fmt.Fprintf(&b, "%s (%s)", number, label)
	return b.String()
}
