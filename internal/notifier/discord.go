// Package notifier pushes transfer lifecycle notifications to an
// external webhook.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/transfer"
)

type Notifier interface {
	Notify(content string) error
}

type DiscordNotifier struct {
	WebhookURL string
}

func (d *DiscordNotifier) Notify(content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := http.Post(d.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Listener adapts a Notifier into an event bus subscriber covering the
// terminal transitions worth telling a human about.
func Listener(n Notifier, logger *slog.Logger) events.Listener {
	notify := func(content string) {
		go func() {
			if err := n.Notify(content); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}()
	}

	return events.Listener{
		OnCompleted: func(t *transfer.Transfer) {
			notify(fmt.Sprintf("Downloaded %s (%s)", t.Destination, humanize.Bytes(uint64(t.Total))))
		},
		OnError: func(t *transfer.Transfer, kind transfer.Error) {
			notify(fmt.Sprintf("Download of %s failed: %s", t.URL, kind))
		},
	}
}
