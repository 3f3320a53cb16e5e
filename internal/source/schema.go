package source

import "github.com/johndauphine/sms-backup-sync/internal/datatype"

// Message type values used by the phone's message tables.
const (
	TypeInbox             = 1
	TypeSent              = 2
	TypeDraft             = 3
	mmsTypeDeliveryReport = 134
)

// Exclusion is a `column <> value` condition applied to every query of a table.
type Exclusion struct {
	Column string
	Value  any
}

// Schema maps the columns of one record-store table onto Record fields.
// Empty column names mean the table has no such column.
type Schema struct {
	Kind     datatype.Kind
	Table    string
	ID       string
	Date     string
	Type     string
	Address  string
	Person   string
	Body     string
	Read     string
	Thread   string
	Duration string
	// Extra columns are selected and copied into Record.Fields only.
	Extra []string

	Exclude []Exclusion
	// Dedup lists the columns compared when checking whether a restored record exists.
	Dedup []string
}

// DefaultSchema returns the table layout of the phone's own databases for kind.
func DefaultSchema(kind datatype.Kind) Schema {
	switch kind {
	case datatype.SMS:
		return Schema{
			Kind: kind, Table: "sms",
			ID: "_id", Date: "date", Type: "type", Address: "address", Person: "person",
			Body: "body", Read: "read", Thread: "thread_id",
			Extra:   []string{"status", "protocol", "service_center"},
			Exclude: []Exclusion{{Column: "type", Value: TypeDraft}},
			Dedup:   []string{"date", "address", "type"},
		}
	case datatype.MMS:
		return Schema{
			Kind: kind, Table: "pdu",
			ID: "_id", Date: "date", Type: "msg_box", Body: "sub", Read: "read", Thread: "thread_id",
			Extra:   []string{"m_id", "m_type"},
			Exclude: []Exclusion{{Column: "m_type", Value: mmsTypeDeliveryReport}},
		}
	case datatype.CallLog:
		return Schema{
			Kind: kind, Table: "calls",
			ID: "_id", Date: "date", Type: "type", Address: "number", Duration: "duration",
			Dedup: []string{"date", "number", "duration", "type"},
		}
	case datatype.WhatsApp:
		return Schema{
			Kind: kind, Table: "messages",
			ID: "_id", Date: "timestamp", Type: "key_from_me", Address: "key_remote_jid", Body: "data",
			Extra:   []string{"status"},
			Exclude: []Exclusion{{Column: "key_remote_jid", Value: "status@broadcast"}},
		}
	default:
		return Schema{Kind: kind}
	}
}

// Columns returns the selected columns in a stable order.
func (s Schema) Columns() []string {
	var cols []string
	for _, c := range []string{s.ID, s.Date, s.Type, s.Address, s.Person, s.Body, s.Read, s.Thread, s.Duration} {
		if c != "" {
			cols = append(cols, c)
		}
	}
	return append(cols, s.Extra...)
}

// secondsTimestamps reports whether the table stores dates in seconds.
func (s Schema) secondsTimestamps() bool {
	return s.Kind.Describe().SecondsTimestamps
}
