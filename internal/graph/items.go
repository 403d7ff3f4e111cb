package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// jsonHeader is the header set for JSON request bodies.
func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")

	return h
}

// jsonBody renders v once and returns a replayable body factory for do().
func jsonBody(v any) (func() (io.Reader, error), error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("graph: encoding request body: %w", err)
	}

	return func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}, nil
}

// CreateFolder creates a directory named name under parentID and returns
// the new item.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	payload := map[string]any{
		"name":   name,
		"folder": map[string]any{},
		// The scheduler guarantees the name is free; failing loudly on a
		// collision beats silently renaming.
		"@microsoft.graph.conflictBehavior": "fail",
	}

	body, err := jsonBody(payload)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/me/drive/items/%s/children", parentID)

	resp, err := c.do(ctx, http.MethodPost, path, body, jsonHeader())
	if err != nil {
		return nil, fmt.Errorf("graph: creating folder %q: %w", name, err)
	}
	defer resp.Body.Close()

	return readItem(resp)
}

// RenameMove renames and/or reparents an item. Nil fields are left
// untouched, mirroring the partial-update semantics of the reconciler's
// rename/move operation.
func (c *Client) RenameMove(ctx context.Context, itemID string, newName, newParentID *string) error {
	payload := make(map[string]any)

	if newName != nil {
		payload["name"] = *newName
	}

	if newParentID != nil {
		payload["parentReference"] = map[string]string{"id": *newParentID}
	}

	if len(payload) == 0 {
		return nil
	}

	body, err := jsonBody(payload)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/me/drive/items/%s", itemID)

	resp, err := c.do(ctx, http.MethodPatch, path, body, jsonHeader())
	if err != nil {
		return fmt.Errorf("graph: renaming/moving %s: %w", itemID, err)
	}

	drainAndClose(resp)

	return nil
}

// Delete removes an item (and, for directories, its subtree).
func (c *Client) Delete(ctx context.Context, itemID string) error {
	path := fmt.Sprintf("/me/drive/items/%s", itemID)

	resp, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return fmt.Errorf("graph: deleting %s: %w", itemID, err)
	}

	drainAndClose(resp)

	return nil
}

// readItem decodes an item from a response body.
func readItem(resp *http.Response) (*Item, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading item response: %w", err)
	}

	it, err := decodeItem(data)
	if err != nil {
		return nil, fmt.Errorf("graph: decoding item response: %w", err)
	}

	return it, nil
}

// drainAndClose consumes a response body so the connection can be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
