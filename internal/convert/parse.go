package convert

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/source"
)

// ErrNotBackup is returned by Parse for messages that were not written by a backup.
var ErrNotBackup = errors.New("message has no data type header")

// Parse reads a backed up message back into a record. The record's ThreadID is left
// empty; the store assigns threads on insert.
func Parse(body []byte) (source.Record, error) {
	e, err := message.Read(bytes.NewReader(body))
	if message.IsUnknownCharset(err) {
		logging.Debug("Unknown charset in restored message: %v", err)
	} else if err != nil {
		return source.Record{}, fmt.Errorf("reading message: %w", err)
	}

	h := e.Header
	dt := h.Get(HeaderDataType)
	if dt == "" {
		return source.Record{}, ErrNotBackup
	}
	kind, err := datatype.Parse(dt)
	if err != nil {
		return source.Record{}, fmt.Errorf("invalid %s header: %w", HeaderDataType, err)
	}

	rec := source.Record{
		Kind:    kind,
		ID:      h.Get(HeaderID),
		Address: h.Get(HeaderAddress),
		Read:    h.Get(HeaderRead) == "1",
		Fields:  map[string]string{},
	}
	if rec.Type, err = headerInt(h, HeaderType); err != nil {
		return source.Record{}, err
	}
	ts, err := headerInt64(h, HeaderDate)
	if err != nil {
		return source.Record{}, err
	}
	if kind.Describe().SecondsTimestamps {
		ts *= 1000
	}
	rec.Timestamp = ts

	switch kind {
	case datatype.SMS, datatype.MMS, datatype.WhatsApp:
		text, err := io.ReadAll(e.Body)
		if err != nil {
			return source.Record{}, fmt.Errorf("reading message body: %w", err)
		}
		rec.Body = strings.TrimRight(strings.ReplaceAll(string(text), "\r\n", "\n"), "\n")
		for header, column := range map[string]string{
			HeaderStatus:        "status",
			HeaderProtocol:      "protocol",
			HeaderServiceCenter: "service_center",
		} {
			if v := h.Get(header); v != "" {
				rec.Fields[column] = v
			}
		}
	case datatype.CallLog:
		if h.Get(HeaderDuration) != "" {
			if rec.Duration, err = headerInt64(h, HeaderDuration); err != nil {
				return source.Record{}, err
			}
		}
	}
	return rec, nil
}

func headerInt64(h message.Header, key string) (int64, error) {
	v := strings.TrimSpace(h.Get(key))
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q", key, v)
	}
	return n, nil
}

func headerInt(h message.Header, key string) (int, error) {
	n, err := headerInt64(h, key)
	return int(n), err
}
