package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SubscriptionURL returns a short-lived websocket notification URL for the
// subtree under rootID. A connected client receives a message whenever
// anything in the subtree changes — a poke meaning "run a delta query
// now", never a change payload. The URL expires server-side after a few
// tens of minutes; callers re-subscribe when the connection drops.
func (c *Client) SubscriptionURL(ctx context.Context, rootID string) (string, error) {
	path := fmt.Sprintf("/me/drive/items/%s/subscriptions/socketIo", rootID)

	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", fmt.Errorf("graph: creating notification subscription: %w", err)
	}
	defer resp.Body.Close()

	var sub struct {
		NotificationURL string `json:"notificationUrl"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("graph: decoding subscription response: %w", err)
	}

	if sub.NotificationURL == "" {
		return "", fmt.Errorf("graph: subscription response has no notificationUrl")
	}

	return sub.NotificationURL, nil
}
