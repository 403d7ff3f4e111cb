package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// deltaPage mirrors one page of a delta response.
type deltaPage struct {
	Value     []rawItem `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

// Delta enumerates changes under rootID since token, walking every page
// and returning the flattened item sequence plus the next resumable token.
// An empty token requests the full listing. The token is the opaque
// deltaLink URL the previous call returned; when the server has expired it
// the call fails with ErrGone and the caller restarts with "".
func (c *Client) Delta(ctx context.Context, rootID, token string) ([]Item, string, error) {
	url := token
	if url == "" {
		url = fmt.Sprintf("%s/me/drive/items/%s/delta", c.base, rootID)
	}

	var items []Item

	for page := 0; ; page++ {
		resp, err := c.do(ctx, http.MethodGet, url, nil, nil)
		if err != nil {
			return nil, "", fmt.Errorf("graph: delta page %d: %w", page, err)
		}

		var dp deltaPage

		decodeErr := json.NewDecoder(resp.Body).Decode(&dp)
		resp.Body.Close()

		if decodeErr != nil {
			return nil, "", fmt.Errorf("graph: decoding delta page %d: %w", page, decodeErr)
		}

		for i := range dp.Value {
			items = append(items, dp.Value[i].toItem())
		}

		if dp.DeltaLink != "" {
			c.logger.Debug("delta enumeration complete",
				slog.Int("pages", page+1),
				slog.Int("items", len(items)),
			)

			return items, dp.DeltaLink, nil
		}

		if dp.NextLink == "" {
			return nil, "", fmt.Errorf("graph: delta page %d has neither nextLink nor deltaLink", page)
		}

		url = dp.NextLink
	}
}

// RootItem fetches the drive root, used to discover the anchor id when the
// user has not chosen a sub-folder.
func (c *Client) RootItem(ctx context.Context) (*Item, error) {
	resp, err := c.do(ctx, http.MethodGet, "/me/drive/root", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw rawItem
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decoding root item: %w", err)
	}

	it := raw.toItem()

	return &it, nil
}
