package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Upload sizing. Sessions accept bodies in multiples of 320 KiB; this
// client sends 16 units (5 MiB) per request. Files at or under the simple
// threshold skip the session entirely.
const (
	uploadUnit      = 320 << 10
	uploadChunkSize = 16 * uploadUnit
	simpleUploadMax = 4 << 20
)

// CreateFile uploads a new file named name under parentID and returns the
// created item. content must deliver exactly size bytes.
func (c *Client) CreateFile(ctx context.Context, parentID, name string, content io.Reader, size int64) (*Item, error) {
	if size <= simpleUploadMax {
		path := fmt.Sprintf("/me/drive/items/%s:/%s:/content", parentID, url.PathEscape(name))
		return c.simpleUpload(ctx, path, content, size)
	}

	sessionPath := fmt.Sprintf("/me/drive/items/%s:/%s:/createUploadSession", parentID, url.PathEscape(name))

	return c.sessionUpload(ctx, sessionPath, content, size)
}

// Replace uploads new content for an existing file.
func (c *Client) Replace(ctx context.Context, itemID string, content io.Reader, size int64) (*Item, error) {
	if size <= simpleUploadMax {
		path := fmt.Sprintf("/me/drive/items/%s/content", itemID)
		return c.simpleUpload(ctx, path, content, size)
	}

	sessionPath := fmt.Sprintf("/me/drive/items/%s/createUploadSession", itemID)

	return c.sessionUpload(ctx, sessionPath, content, size)
}

// simpleUpload PUTs the whole content in one request.
func (c *Client) simpleUpload(ctx context.Context, path string, content io.Reader, size int64) (*Item, error) {
	// Single-shot: the body reader cannot be replayed, so a mid-body
	// failure surfaces instead of retrying with a drained reader.
	body := func() (io.Reader, error) {
		return c.limitReader(ctx, io.LimitReader(content, size)), nil
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/octet-stream")

	resp, err := c.doOnce(ctx, http.MethodPut, c.base+path, body, h)
	if err != nil {
		return nil, fmt.Errorf("graph: uploading content: %w", err)
	}
	defer resp.Body.Close()

	return readItem(resp)
}

// uploadSession mirrors the createUploadSession response.
type uploadSession struct {
	UploadURL string    `json:"uploadUrl"`
	Expires   time.Time `json:"expirationDateTime"`
}

// sessionUpload creates an upload session and streams content through it
// in 320 KiB-aligned chunks. The final chunk's response carries the item.
func (c *Client) sessionUpload(ctx context.Context, sessionPath string, content io.Reader, size int64) (*Item, error) {
	body, err := jsonBody(map[string]any{
		"item": map[string]string{"@microsoft.graph.conflictBehavior": "fail"},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, sessionPath, body, jsonHeader())
	if err != nil {
		return nil, fmt.Errorf("graph: creating upload session: %w", err)
	}

	var session uploadSession

	decodeErr := json.NewDecoder(resp.Body).Decode(&session)
	resp.Body.Close()

	if decodeErr != nil {
		return nil, fmt.Errorf("graph: decoding upload session: %w", decodeErr)
	}

	c.logger.Debug("upload session created",
		slog.Int64("size", size),
		slog.Time("expires", session.Expires),
	)

	return c.uploadChunks(ctx, session.UploadURL, content, size)
}

// uploadChunks drives the chunk loop against a pre-authorized session URL.
func (c *Client) uploadChunks(ctx context.Context, uploadURL string, content io.Reader, size int64) (*Item, error) {
	chunk := make([]byte, uploadChunkSize)

	for offset := int64(0); offset < size; {
		n, readErr := io.ReadFull(content, chunk[:int(chunkLen(offset, size))])
		if readErr != nil {
			return nil, fmt.Errorf("graph: reading content at offset %d: %w", offset, readErr)
		}

		item, err := c.putChunk(ctx, uploadURL, chunk[:n], offset, size)
		if err != nil {
			return nil, err
		}

		offset += int64(n)

		if item != nil {
			if offset != size {
				return nil, fmt.Errorf("graph: upload finished early at offset %d of %d", offset, size)
			}

			return item, nil
		}
	}

	return nil, fmt.Errorf("graph: upload session ended without an item")
}

// chunkLen returns the next chunk's length.
func chunkLen(offset, size int64) int64 {
	if remaining := size - offset; remaining < uploadChunkSize {
		return remaining
	}

	return uploadChunkSize
}

// putChunk uploads one byte range. The session URL is pre-authorized, so
// the request goes straight to http rather than through do(); on a
// transient failure the chunk is retried whole, which the session protocol
// permits for aligned ranges.
func (c *Client) putChunk(ctx context.Context, uploadURL string, chunk []byte, offset, total int64) (*Item, error) {
	backoff := initialBackoff

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item, done, err := c.putChunkOnce(ctx, uploadURL, chunk, offset, total)
		if err == nil {
			if done {
				return item, nil
			}

			return nil, nil
		}

		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			return nil, err
		}

		if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, lastErr
}

func (c *Client) putChunkOnce(ctx context.Context, uploadURL string, chunk []byte, offset, total int64) (*Item, bool, error) {
	rng := fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL,
		c.limitReader(ctx, bytes.NewReader(chunk)))
	if err != nil {
		return nil, false, fmt.Errorf("graph: building chunk request: %w", err)
	}

	req.Header.Set("Content-Range", rng)
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("graph: uploading chunk %s: %w", rng, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Intermediate chunk acknowledged.
		drainAndClose(resp)
		return nil, false, nil

	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		item, readErr := readItem(resp)
		if readErr != nil {
			return nil, false, readErr
		}

		return item, true, nil

	default:
		return nil, false, newAPIError(resp)
	}
}

