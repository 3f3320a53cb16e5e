package datatype

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"sms", SMS},
		{"SMS", SMS},
		{"call_log", CallLog},
		{"calllog", CallLog},
		{"whatsapp", WhatsApp},
		{"chat", WhatsApp},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("Parse(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := Parse("fax"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseListKeepsRegistrationOrder(t *testing.T) {
	kinds, err := ParseList([]string{"calllog", "sms", "sms"})
	if err != nil {
		t.Fatalf("ParseList() error: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != SMS || kinds[1] != CallLog {
		t.Errorf("ParseList() = %v", kinds)
	}
}

func TestDefaults(t *testing.T) {
	if !SMS.Describe().BackupByDefault || !MMS.Describe().BackupByDefault {
		t.Error("sms and mms back up by default")
	}
	if CallLog.Describe().BackupByDefault || WhatsApp.Describe().BackupByDefault {
		t.Error("call log and whatsapp are opt-in")
	}
	if MMS.Describe().SupportsRestore || WhatsApp.Describe().SupportsRestore {
		t.Error("only sms and call log restore")
	}
	if MMS.Describe().DefaultFolder != SMS.Describe().DefaultFolder {
		t.Error("mms shares the sms folder by default")
	}
	if None.Valid() || None.String() != "none" {
		t.Error("None is not a real kind")
	}
}

func TestValidateFolderName(t *testing.T) {
	for _, bad := range []string{"", " SMS", "SMS ", "SMS*", "Call%log", "a\tb"} {
		if err := ValidateFolderName(bad); err == nil {
			t.Errorf("ValidateFolderName(%q) should fail", bad)
		}
	}
	for _, good := range []string{"SMS", "Call log", "Backups/WhatsApp"} {
		if err := ValidateFolderName(good); err != nil {
			t.Errorf("ValidateFolderName(%q) error: %v", good, err)
		}
	}
}
