// Package datatype enumerates the kinds of personal records the engine syncs.
package datatype

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind is one category of record (DataSourceKind).
type Kind int

const (
	// None is the "no source" value used when a state is not tied to a kind.
	None Kind = iota
	SMS
	MMS
	CallLog
	WhatsApp
)

// All lists the kinds in registration order. Backups walk kinds in this order.
var All = []Kind{SMS, MMS, CallLog, WhatsApp}

// Descriptor holds the fixed properties of a kind.
type Descriptor struct {
	Kind Kind
	// Key is the stable name used in config files, watermark rows and headers.
	Key              string
	Label            string
	DefaultFolder    string
	BackupByDefault  bool
	RestoreByDefault bool
	SupportsRestore  bool
	// SecondsTimestamps is set when the record store keeps dates in seconds.
	SecondsTimestamps bool
}

var descriptors = map[Kind]Descriptor{
	SMS: {
		Kind: SMS, Key: "sms", Label: "SMS", DefaultFolder: "SMS",
		BackupByDefault: true, RestoreByDefault: true, SupportsRestore: true,
	},
	MMS: {
		Kind: MMS, Key: "mms", Label: "MMS", DefaultFolder: "SMS",
		BackupByDefault: true, SecondsTimestamps: true,
	},
	CallLog: {
		Kind: CallLog, Key: "calllog", Label: "Call log", DefaultFolder: "Call log",
		RestoreByDefault: true, SupportsRestore: true,
	},
	WhatsApp: {
		Kind: WhatsApp, Key: "whatsapp", Label: "WhatsApp", DefaultFolder: "WhatsApp",
	},
}

// Describe returns the descriptor of k. None and unknown values return a zero descriptor.
func (k Kind) Describe() Descriptor {
	return descriptors[k]
}

func (k Kind) String() string {
	if d, ok := descriptors[k]; ok {
		return d.Key
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := descriptors[k]
	return ok
}

// Parse converts a key ("sms", "call_log", "calllog", ...) to a Kind.
func Parse(s string) (Kind, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	switch key {
	case "chat":
		return WhatsApp, nil
	case "calls":
		return CallLog, nil
	}
	for _, k := range All {
		if descriptors[k].Key == key {
			return k, nil
		}
	}
	return None, fmt.Errorf("unknown data type: %q (valid: sms, mms, calllog, whatsapp)", s)
}

// ParseList parses a list of keys, dropping duplicates while keeping the order of All.
func ParseList(keys []string) ([]Kind, error) {
	seen := make(map[Kind]bool, len(keys))
	for _, s := range keys {
		k, err := Parse(s)
		if err != nil {
			return nil, err
		}
		seen[k] = true
	}
	var out []Kind
	for _, k := range All {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// ValidateFolderName rejects names that cannot be used as a remote folder.
func ValidateFolderName(name string) error {
	if name == "" {
		return fmt.Errorf("folder name is empty")
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("folder name %q has leading or trailing whitespace", name)
	}
	if strings.ContainsAny(name, "*%") {
		return fmt.Errorf("folder name %q contains a wildcard", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("folder name %q contains a control character", name)
		}
	}
	return nil
}
