package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
)

// Notification is one message on the cloud's change stream, telling the
// device that remote commits are available past the given token.
type Notification struct {
	Token string `json:"token"`
}

// Notifications opens the websocket change stream and delivers
// notifications on the returned channel until the context is canceled or
// the stream breaks. The channel is closed on exit; the caller treats a
// closed channel as a temporary condition and reconnects with backoff.
func (c *Client) Notifications(ctx context.Context, notifyURL string) (<-chan Notification, error) {
	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("cloud: obtaining token for notification stream: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, notifyURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + tok},
			"User-Agent":    {userAgent},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: dialing notification stream: %w", err)
	}

	ch := make(chan Notification)

	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("notification stream closed", slog.String("error", err.Error()))
				}

				return
			}

			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				c.logger.Warn("malformed notification, skipping", slog.String("error", err.Error()))
				continue
			}

			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
