// Package slack sends incident notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/hmpf/argus/internal/incident"
)

const (
	maxDescriptionLen = 3000
	httpTimeout       = 10 * time.Second
)

// Notifier posts incident lifecycle messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ incident.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, every
// notification is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// IncidentCreated posts a new-incident message.
func (n *Notifier) IncidentCreated(ctx context.Context, inc *incident.Incident, tags []incident.TagRelation) error {
	return n.post(ctx, buildCreatedMessage(inc, tags))
}

// IncidentReopened posts a reopened-incident message.
func (n *Notifier) IncidentReopened(ctx context.Context, inc *incident.Incident) error {
	return n.post(ctx, buildReopenedMessage(inc))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildCreatedMessage(inc *incident.Incident, tags []incident.TagRelation) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock("\U0001f6a8 New Incident", inc),
			{"type": "divider"},
			fieldsBlock(inc, tags),
			{"type": "divider"},
			descriptionBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func buildReopenedMessage(inc *incident.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock("\U0001f501 Incident Reopened", inc),
			{"type": "divider"},
			fieldsBlock(inc, nil),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(title string, inc *incident.Incident) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s #%d", title, inc.ID),
		},
	}
}

func fieldsBlock(inc *incident.Incident, tags []incident.TagRelation) map[string]any {
	state := "stateless"
	if inc.Stateful() {
		state = "stateful"
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s (%s)", inc.Source.Name, inc.Source.Type.Name),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*State:* %s", state),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Started:* %s", inc.StartTime.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	if len(tags) > 0 {
		parts := make([]string, 0, len(tags))
		for _, rel := range tags {
			parts = append(parts, rel.Tag.String())
		}
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tags:* %s", strings.Join(parts, ", ")),
		})
	}
	if inc.DetailsURL != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Details:* %s", inc.DetailsURL),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func descriptionBlock(inc *incident.Incident) map[string]any {
	text := truncate(inc.Description, maxDescriptionLen)
	if text == "" {
		text = "_No description available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Description*\n\n%s", text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("argus • incident %d • %s", inc.ID, inc.SourceIncidentID),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
