package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"go.uber.org/zap"
)

// SlackNotifier posts incoming-webhook messages. Failures are logged and
// swallowed: alerting must never fail a billing operation.
type SlackNotifier struct {
	webhookURL string
	channel    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSlackNotifier(webhookURL, channel string, log *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("alerting.slack"),
	}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (n *SlackNotifier) NotifySyncResult(ctx context.Context, result *syncdomain.Result) error {
	if result == nil || result.ChangeSet == nil {
		return nil
	}
	text := fmt.Sprintf(
		"pricing sync %s: %d applied, %d pending review (new %d / updated %d / removed %d), triggered by %s",
		result.State,
		result.Applied,
		result.PendingReview,
		result.ChangeSet.New,
		result.ChangeSet.Updated,
		result.ChangeSet.Removed,
		result.TriggeredBy,
	)
	if len(result.Errors) > 0 {
		text += fmt.Sprintf("; %d provider errors", len(result.Errors))
	}
	return n.post(ctx, text)
}

func (n *SlackNotifier) NotifyReconciliationPending(ctx context.Context, record *usagedomain.UsageRecord) error {
	if record == nil {
		return nil
	}
	text := fmt.Sprintf(
		":rotating_light: usage record %s for user %s needs reconciliation: charged %s but the primary record write failed (request %s)",
		record.ID,
		record.UserID,
		record.TotalCost,
		record.RequestID,
	)
	return n.post(ctx, text)
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	payload, err := json.Marshal(slackMessage{Channel: n.channel, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.log.Warn("building slack request failed", zap.Error(err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("slack webhook post failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warn("slack webhook rejected message", zap.Int("status", resp.StatusCode))
	}
	return nil
}
