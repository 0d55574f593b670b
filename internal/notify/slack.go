package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/inlet-sync/inlet/internal/ledger"
)

// SlackConfig holds Slack webhook settings.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	Enabled    bool
}

// Slack delivers run outcomes to a Slack webhook.
type Slack struct {
	config     SlackConfig
	httpClient *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Slack) enabled() bool {
	return s.config.Enabled && s.config.WebhookURL != ""
}

// RunCompleted posts a success summary.
func (s *Slack) RunCompleted(run *ledger.RunRecord) error {
	if !s.enabled() {
		return nil
	}
	return s.send(slackMessage{
		Channel:   s.config.Channel,
		Username:  s.username(),
		IconEmoji: ":white_check_mark:",
		Attachments: []slackAttachment{{
			Color:     "#36a64f",
			Title:     fmt.Sprintf("Sync completed: %s/%s (%s)", run.Source, run.Entity, run.Mode),
			Fields:    runFields(run),
			Footer:    "inlet",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// RunFailed posts a failure alert with the run's error.
func (s *Slack) RunFailed(run *ledger.RunRecord) error {
	if !s.enabled() {
		return nil
	}
	fields := runFields(run)
	fields = append(fields, slackField{Title: "Error", Value: run.Error})
	return s.send(slackMessage{
		Channel:   s.config.Channel,
		Username:  s.username(),
		IconEmoji: ":x:",
		Attachments: []slackAttachment{{
			Color:     "#d00000",
			Title:     fmt.Sprintf("Sync failed: %s/%s (%s)", run.Source, run.Entity, run.Mode),
			Fields:    fields,
			Footer:    "inlet",
			Timestamp: time.Now().Unix(),
		}},
	})
}

func runFields(run *ledger.RunRecord) []slackField {
	return []slackField{
		{Title: "Run ID", Value: run.ID, Short: true},
		{Title: "Fetched", Value: fmt.Sprintf("%d", run.Counts.Fetched), Short: true},
		{Title: "Created", Value: fmt.Sprintf("%d", run.Counts.Created), Short: true},
		{Title: "Updated", Value: fmt.Sprintf("%d", run.Counts.Updated), Short: true},
		{Title: "Failed", Value: fmt.Sprintf("%d", run.Counts.Failed), Short: true},
	}
}

func (s *Slack) username() string {
	if s.config.Username != "" {
		return s.config.Username
	}
	return "inlet"
}

func (s *Slack) send(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	resp, err := s.httpClient.Post(s.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %s", resp.Status)
	}
	return nil
}
