// Package tokenfile persists OAuth2 tokens as mode-0600 JSON files.
// It is a leaf package: the graph client and the CLI both read and write
// token files without knowing about each other.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned by Load when no token file exists at the path.
var ErrNoToken = errors.New("tokenfile: no token saved")

// filePerms keeps refresh tokens readable by the owner only.
const filePerms = 0o600

// Load reads the token stored at path. Returns ErrNoToken when the file is
// absent, so callers can distinguish "not logged in" from real I/O errors.
func Load(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}

		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("tokenfile: parsing %s: %w", path, err)
	}

	return &tok, nil
}

// Save writes tok to path atomically (temp file + rename), creating parent
// directories as needed. Called both at login and on every refresh-token
// rotation, so a crash can never leave a half-written token.
func Save(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding token: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tokenfile: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("tokenfile: writing token: %w", err)
	}

	if err := tmp.Chmod(filePerms); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("tokenfile: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("tokenfile: replacing %s: %w", path, err)
	}

	return nil
}

// Delete removes the token file. Missing files are not an error, so logout
// is idempotent.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
