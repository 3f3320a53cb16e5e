package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/config"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a run starts
func (n *Notifier) RunStarted(direction string, kinds []string) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":inbox_tray:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: titleCase(direction) + " Started",
				Fields: []SlackField{
					{Title: "Data types", Value: strings.Join(kinds, ", "), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BackupCompleted sends notification when a backup finishes
func (n *Notifier) BackupCompleted(duration time.Duration, items int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      fmt.Sprintf("Backup finished. Stored %s item(s) in the mailbox.", formatNumberWithCommas(int64(items))),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f",
				Fields: []SlackField{
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Items", Value: formatNumberWithCommas(int64(items)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RestoreCompleted sends notification when a restore finishes
func (n *Notifier) RestoreCompleted(duration time.Duration, restored, duplicates int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text: fmt.Sprintf("Restore finished. Restored %s item(s), %s already present.",
			formatNumberWithCommas(int64(restored)), formatNumberWithCommas(int64(duplicates))),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f",
				Fields: []SlackField{
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Restored", Value: formatNumberWithCommas(int64(restored)), Short: true},
					{Title: "Duplicates", Value: formatNumberWithCommas(int64(duplicates)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends notification when a run ends in error
func (n *Notifier) RunFailed(direction string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = syncerr.Message(err)
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: titleCase(direction) + " Failed",
				Fields: []SlackField{
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Category", Value: syncerr.KindOf(err).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCanceled sends notification when a run is canceled
func (n *Notifier) RunCanceled(direction string, items, total int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow
				Title: titleCase(direction) + " Canceled",
				Fields: []SlackField{
					{Title: "Progress", Value: fmt.Sprintf("%d of %d", items, total), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

const footer = "sms-backup-sync"

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
