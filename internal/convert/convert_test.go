package convert

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/source"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestConverter(opts Options) *Converter {
	if opts.UserEmail == "" {
		opts.UserEmail = "me@example.com"
	}
	opts.Now = func() time.Time { return fixedNow }
	return New(opts)
}

func sms(ts int64, typ int, address, body string) source.Record {
	return source.Record{
		Kind: datatype.SMS, ID: "1", Timestamp: ts, Type: typ, Address: address, Body: body,
		Read: true, ThreadID: "4", Fields: map[string]string{"status": "-1", "protocol": "0"},
	}
}

func TestConvertBatches(t *testing.T) {
	rows := []source.Record{
		sms(1001, source.TypeInbox, "+100", "a"),
		sms(1002, source.TypeSent, "+100", "b"),
		sms(1500, source.TypeInbox, "", "no address"),
		sms(1400, source.TypeInbox, "+200", "d"),
		sms(1600, source.TypeInbox, "+200", "e"),
	}
	cur := source.NewCursor(datatype.SMS, rows)
	c := newTestConverter(Options{})

	var got []Result
	for cur.HasNext() {
		cur.Next()
		res, err := c.Convert(cur, datatype.SMS, 2)
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		got = append(got, res)
	}

	if len(got) != 3 {
		t.Fatalf("Convert called %d times, want 3", len(got))
	}
	wantRows := []int{2, 2, 1}
	wantMsgs := []int{2, 1, 1}
	wantMax := []int64{1002, 1500, 1600}
	for i, res := range got {
		if res.Rows != wantRows[i] || len(res.Messages) != wantMsgs[i] || res.MaxDate != wantMax[i] {
			t.Errorf("batch %d: rows=%d msgs=%d max=%d; want %d %d %d",
				i, res.Rows, len(res.Messages), res.MaxDate, wantRows[i], wantMsgs[i], wantMax[i])
		}
	}
}

func TestConvertFreshCursor(t *testing.T) {
	cur := source.NewCursor(datatype.SMS, []source.Record{sms(5, source.TypeInbox, "+1", "x")})
	res, err := newTestConverter(Options{}).Convert(cur, datatype.SMS, 10)
	if err != nil || res.Rows != 1 {
		t.Fatalf("Convert = %+v, %v", res, err)
	}

	empty, err := newTestConverter(Options{}).Convert(source.Empty(datatype.SMS), datatype.SMS, 10)
	if err != nil || empty.Rows != 0 || empty.MaxDate != -1 {
		t.Errorf("Convert(empty) = %+v, %v", empty, err)
	}
}

func TestConvertZeroMessagesIsNotAnError(t *testing.T) {
	calls := []source.Record{
		{Kind: datatype.CallLog, Timestamp: 10, Type: 6, Address: "+1"},
		{Kind: datatype.CallLog, Timestamp: 11, Type: 99, Address: "+1"},
	}
	cur := source.NewCursor(datatype.CallLog, calls)
	cur.Next()
	res, err := newTestConverter(Options{}).Convert(cur, datatype.CallLog, 5)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Rows != 2 || len(res.Messages) != 0 || res.MaxDate != 11 {
		t.Errorf("result = %+v", res)
	}
}

func readHeader(t *testing.T, body []byte) mail.Header {
	t.Helper()
	r, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	return r.Header
}

func TestMessageDirection(t *testing.T) {
	c := newTestConverter(Options{})
	tests := []struct {
		name     string
		rec      source.Record
		fromUser bool
		subject  string
	}{
		{"received sms", sms(1000, source.TypeInbox, "+15550100", "hi"), false, "SMS with +15550100"},
		{"sent sms", sms(1000, source.TypeSent, "+15550100", "hi"), true, "SMS with +15550100"},
		{"outgoing call", source.Record{Kind: datatype.CallLog, Timestamp: 1, Type: callOutgoing, Address: "+1", Duration: 61}, true, "Call with +1"},
		{"missed call", source.Record{Kind: datatype.CallLog, Timestamp: 1, Type: callMissed, Address: "+1"}, false, "Call with +1"},
		{"own whatsapp", source.Record{Kind: datatype.WhatsApp, Timestamp: 1, Type: 1, Address: "49123@s.whatsapp.net", Body: "yo"}, true, "WhatsApp with 49123@s.whatsapp.net"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := c.Message(tt.rec)
			if err != nil || !ok {
				t.Fatalf("Message() = ok %v, err %v", ok, err)
			}
			h := readHeader(t, msg.Body)
			from, err := h.AddressList("From")
			if err != nil || len(from) != 1 {
				t.Fatalf("From = %v, %v", from, err)
			}
			if (from[0].Address == "me@example.com") != tt.fromUser {
				t.Errorf("From = %s, fromUser want %v", from[0].Address, tt.fromUser)
			}
			subject, _ := h.Subject()
			if subject != tt.subject {
				t.Errorf("Subject = %q, want %q", subject, tt.subject)
			}
		})
	}
}

func TestMessageIDStable(t *testing.T) {
	c := newTestConverter(Options{})
	a, _, _ := c.Message(sms(1000, source.TypeInbox, "+1", "hi"))
	b, _, _ := c.Message(sms(1000, source.TypeInbox, "+1", "different body"))
	d, _, _ := c.Message(sms(1001, source.TypeInbox, "+1", "hi"))
	if a.MessageID != b.MessageID {
		t.Errorf("same record produced ids %s and %s", a.MessageID, b.MessageID)
	}
	if a.MessageID == d.MessageID {
		t.Error("different dates share a message id")
	}
	if !strings.HasPrefix(a.MessageID, "<") || !strings.HasSuffix(a.MessageID, "@"+mailDomain+">") {
		t.Errorf("MessageID = %q", a.MessageID)
	}
}

func TestSeenFlags(t *testing.T) {
	unread := sms(1, source.TypeInbox, "+1", "x")
	unread.Read = false

	tests := []struct {
		marking ReadMarking
		rec     source.Record
		seen    bool
	}{
		{MarkByStatus, unread, false},
		{MarkByStatus, sms(1, source.TypeInbox, "+1", "x"), true},
		{MarkByStatus, source.Record{Kind: datatype.CallLog, Type: callIncoming, Address: "+1"}, true},
		{MarkAllRead, unread, true},
		{MarkAllUnread, sms(1, source.TypeInbox, "+1", "x"), false},
	}
	for i, tt := range tests {
		msg, _, err := newTestConverter(Options{MarkRead: tt.marking}).Message(tt.rec)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got := len(msg.Flags) == 1 && msg.Flags[0] == FlagSeen; got != tt.seen {
			t.Errorf("case %d: seen = %v, want %v", i, got, tt.seen)
		}
	}
}

func TestSubjectPrefix(t *testing.T) {
	msg, _, _ := newTestConverter(Options{SubjectPrefix: true}).Message(sms(1, source.TypeInbox, "+1", "x"))
	h := readHeader(t, msg.Body)
	subject, _ := h.Subject()
	if subject != "[SMS] +1" {
		t.Errorf("Subject = %q", subject)
	}
}

func TestParseRoundTrip(t *testing.T) {
	c := newTestConverter(Options{})

	original := sms(1_700_000_000_123, source.TypeSent, "+15550100", "héllo\nwörld")
	original.Fields["service_center"] = "+4917"
	msg, _, err := c.Message(original)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	rec, err := Parse(msg.Body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Kind != datatype.SMS || rec.Timestamp != original.Timestamp || rec.Type != source.TypeSent {
		t.Errorf("parsed = %+v", rec)
	}
	if rec.Body != original.Body || rec.Address != "+15550100" || !rec.Read {
		t.Errorf("parsed body/address = %q %q read=%v", rec.Body, rec.Address, rec.Read)
	}
	if rec.Field("service_center") != "+4917" || rec.Field("status") != "-1" {
		t.Errorf("parsed fields = %v", rec.Fields)
	}

	call := source.Record{Kind: datatype.CallLog, ID: "9", Timestamp: 2000, Type: callIncoming, Address: "+1", Duration: 3725}
	msg, _, _ = c.Message(call)
	rec, err = Parse(msg.Body)
	if err != nil {
		t.Fatalf("Parse call: %v", err)
	}
	if rec.Kind != datatype.CallLog || rec.Duration != 3725 || rec.Timestamp != 2000 || rec.Type != callIncoming {
		t.Errorf("parsed call = %+v", rec)
	}

	mms := source.Record{Kind: datatype.MMS, Timestamp: 1_700_000_000_000, Type: source.TypeInbox, Body: "pic"}
	msg, _, _ = c.Message(mms)
	mh := readHeader(t, msg.Body)
	if got := mh.Get(HeaderDate); got != "1700000000" {
		t.Errorf("MMS date header = %q, want seconds", got)
	}
	rec, _ = Parse(msg.Body)
	if rec.Timestamp != mms.Timestamp {
		t.Errorf("parsed MMS timestamp = %d", rec.Timestamp)
	}
}

func TestParseRejectsForeignMessages(t *testing.T) {
	plain := "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"
	if _, err := Parse([]byte(plain)); !errors.Is(err, ErrNotBackup) {
		t.Errorf("Parse(plain mail) error = %v, want ErrNotBackup", err)
	}

	bad := "X-smssync-datatype: FAX\r\n\r\nbody\r\n"
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("expected error for unknown data type")
	}

	noDate := "X-smssync-datatype: SMS\r\nX-smssync-type: 1\r\n\r\nbody\r\n"
	if _, err := Parse([]byte(noDate)); err == nil {
		t.Error("expected error for missing date header")
	}
}

func TestFormatCall(t *testing.T) {
	if got := formatCall(callIncoming, "+1", 3725); got != "3725s (01:02:05)\n+1 (incoming call)" {
		t.Errorf("formatCall = %q", got)
	}
	if got := formatCall(callMissed, "+1", 0); got != "+1 (missed call)" {
		t.Errorf("formatCall missed = %q", got)
	}
}
