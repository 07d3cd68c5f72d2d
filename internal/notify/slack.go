package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/tablesync/internal/config"
)

const footer = "tablesync"

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

const (
	colorGood    = "#36a64f"
	colorWarning = "#ffc107"
	colorDanger  = "#dc3545"
)

func short(title, value string) SlackField { return SlackField{Title: title, Value: value, Short: true} }
func long(title, value string) SlackField  { return SlackField{Title: title, Value: value} }

// post sends one attachment with the configured channel and username.
// It is a no-op when notifications are disabled.
func (n *Notifier) post(icon, text string, a SlackAttachment) error {
	if !n.IsEnabled() {
		return nil
	}
	a.Footer = footer
	a.Timestamp = time.Now().Unix()
	return n.send(SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{a},
	})
}

// summaryFields are the totals shared by the completion messages.
func summaryFields(s RunSummary) []SlackField {
	return []SlackField{
		short("Run ID", s.RunID),
		short("Started", s.StartTime.UTC().Format("2006-01-02 15:04:05 UTC")),
		short("Duration", formatDuration(s.Duration)),
		short("Total Rows", formatNumberWithCommas(s.Rows)),
		short("Throughput", formatNumberWithCommas(int64(s.Throughput))+" rows/sec"),
	}
}

// RunStarted announces a run with its endpoints and table count.
func (n *Notifier) RunStarted(runID, configurationID, source, destination string, tableCount int, dryRun bool) error {
	title := "Migration Started"
	if dryRun {
		title += " (dry run)"
	}
	return n.post(":rocket:", "", SlackAttachment{
		Color: colorGood,
		Title: title,
		Fields: []SlackField{
			short("Run ID", runID),
			short("Configuration", configurationID),
			short("Tables", fmt.Sprint(tableCount)),
			short("Source", source),
			short("Destination", destination),
		},
	})
}

// RunCompleted reports a run in which every table succeeded.
func (n *Notifier) RunCompleted(s RunSummary) error {
	text := fmt.Sprintf("Migration %s completed successfully. Processed %d tables with %s total rows.",
		s.ConfigurationID, s.Tables, formatNumberWithCommas(s.Rows))
	return n.post(":white_check_mark:", text, SlackAttachment{
		Color:  colorGood,
		Fields: append(summaryFields(s), short("Tables", fmt.Sprint(s.Tables))),
	})
}

// RunCompletedWithErrors reports a run in which some tables failed.
func (n *Notifier) RunCompletedWithErrors(s RunSummary, failures []string) error {
	text := fmt.Sprintf("Migration %s completed with errors. %d tables succeeded, %d tables failed. Processed %s rows.",
		s.ConfigurationID, s.Succeeded, s.Failed, formatNumberWithCommas(s.Rows))
	return n.post(":warning:", text, SlackAttachment{
		Color: colorWarning,
		Fields: append(summaryFields(s),
			short("Succeeded", fmt.Sprintf("%d tables", s.Succeeded)),
			short("Failed", fmt.Sprintf("%d tables", s.Failed)),
			long("Failed Tables", failureSummary(failures)),
		),
	})
}

// RunFailed reports a run that failed as a whole.
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	return n.post(":x:", "", SlackAttachment{
		Color: colorDanger,
		Title: "Migration Failed",
		Fields: []SlackField{
			short("Run ID", runID),
			short("Duration", formatDuration(duration)),
			long("Error", truncateError(err, 500)),
		},
	})
}

// TableFailed reports one table that failed during a run.
func (n *Notifier) TableFailed(runID, tableName string, err error) error {
	return n.post(":warning:", "", SlackAttachment{
		Color: colorWarning,
		Title: "Table Transfer Failed",
		Fields: []SlackField{
			short("Run ID", runID),
			short("Table", tableName),
			long("Error", truncateError(err, 500)),
		},
	})
}

// ValidationMismatch reports a failed row count or checksum check.
func (n *Notifier) ValidationMismatch(runID, tableName, check, details string) error {
	return n.post(":mag:", "", SlackAttachment{
		Color: colorWarning,
		Title: "Validation Mismatch",
		Fields: []SlackField{
			short("Run ID", runID),
			short("Table", tableName),
			short("Check", check),
			long("Details", details),
		},
	})
}

func failureSummary(failures []string) string {
	switch {
	case len(failures) == 0:
		return ""
	case len(failures) <= 5:
		return "Failed tables: " + strings.Join(failures, ", ")
	default:
		return fmt.Sprintf("Failed tables: %s, %s, %s... and %d more",
			failures[0], failures[1], failures[2], len(failures)-3)
	}
}

func truncateError(err error, limit int) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > limit {
		msg = msg[:limit] + "..."
	}
	return msg
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

func formatNumberWithCommas(n int64) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + b.String()
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
