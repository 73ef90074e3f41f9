package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/report"
)

const footer = "ptpm-sync"

// Notifier posts run notifications to a Slack webhook
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

// RunStarted sends notification when a sync run starts
func (n *Notifier) RunStarted(runID, mode string, entities []string) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Legacy Sync Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Mode", Value: mode, Short: true},
					{Title: "Entities", Value: strings.Join(entities, ", "), Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompleted sends notification when every entity synced without failures
func (n *Notifier) RunCompleted(r *report.RunReport) error {
	if !n.IsEnabled() {
		return nil
	}

	duration := r.FinishedAt.Sub(r.StartedAt)
	headerText := fmt.Sprintf("Legacy sync completed. %d entities, %s rows extracted, %s written.",
		len(r.Entities), formatNumberWithCommas(int64(r.Totals.Extracted)), formatNumberWithCommas(int64(r.Totals.SuccessfulUpserts)))

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Run ID", Value: r.RunID, Short: true},
					{Title: "Mode", Value: r.Mode, Short: true},
					{Title: "Started", Value: r.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Written", Value: formatNumberWithCommas(int64(r.Totals.SuccessfulUpserts)), Short: true},
					{Title: "Anomalies", Value: formatNumberWithCommas(int64(r.Totals.AuditAnomalies)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompletedWithErrors sends notification when rows failed or entities halted
func (n *Notifier) RunCompletedWithErrors(r *report.RunReport) error {
	if !n.IsEnabled() {
		return nil
	}

	var problems []string
	for _, e := range r.Entities {
		switch {
		case e.Halted:
			problems = append(problems, fmt.Sprintf("%s halted (%s)", e.Entity, e.HaltReason))
		case e.FailedUpserts > 0:
			problems = append(problems, fmt.Sprintf("%s: %d failed rows", e.Entity, e.FailedUpserts))
		}
	}
	summary := strings.Join(problems, ", ")
	if len(problems) > 5 {
		summary = fmt.Sprintf("%s... and %d more", strings.Join(problems[:3], ", "), len(problems)-3)
	}

	headerText := fmt.Sprintf("Legacy sync completed with errors. %s rows written, %s failed, %d entities halted.",
		formatNumberWithCommas(int64(r.Totals.SuccessfulUpserts)), formatNumberWithCommas(int64(r.Totals.FailedUpserts)), r.Totals.HaltedEntities)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow/orange
				Fields: []SlackField{
					{Title: "Run ID", Value: r.RunID, Short: true},
					{Title: "Mode", Value: r.Mode, Short: true},
					{Title: "Duration", Value: formatDuration(r.FinishedAt.Sub(r.StartedAt)), Short: true},
					{Title: "Failed Rows", Value: formatNumberWithCommas(int64(r.Totals.FailedUpserts)), Short: true},
					{Title: "Problems", Value: summary, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends notification when a run aborts
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
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
				Title: "Legacy Sync Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// EntityHalted sends notification when one entity stops early
func (n *Notifier) EntityHalted(runID, entity, reason string) error {
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
				Title: "Entity Halted",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Entity", Value: entity, Short: true},
					{Title: "Reason", Value: reason, Short: false},
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
