// Package tokenfile reads and writes the sync client's credentials file: the
// bearer token issued by the server plus the identity it was issued for.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts credentials files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// ErrNoToken means the file exists but carries no usable token.
var ErrNoToken = errors.New("tokenfile: missing token")

// File is the on-disk format.
type File struct {
	Token     *oauth2.Token `json:"token"`
	ServerURL string        `json:"server_url,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
}

// Expired reports whether the stored token has passed its expiry at now.
// Tokens without an expiry never expire.
func (f *File) Expired(now time.Time) bool {
	if f == nil || f.Token == nil {
		return true
	}

	return !f.Token.Expiry.IsZero() && !now.Before(f.Token.Expiry)
}

// TokenSource returns a static oauth2 source for the stored token.
func (f *File) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(f.Token)
}

// Load reads a credentials file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if f.Token == nil || f.Token.AccessToken == "" {
		return nil, fmt.Errorf("%w in %s (run `ledgersync token issue` again)", ErrNoToken, path)
	}

	return &f, nil
}

// Save writes f atomically (temp file + rename) with 0600 permissions.
// Never logs token values.
func Save(path string, f *File) error {
	if f == nil || f.Token == nil || f.Token.AccessToken == "" {
		return ErrNoToken
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a crash cannot leave a partial file at path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// New builds a credentials file for a freshly issued bearer token.
func New(token string, expires time.Time, serverURL, userID, clientID string) *File {
	return &File{
		Token: &oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
			Expiry:      expires,
		},
		ServerURL: serverURL,
		UserID:    userID,
		ClientID:  clientID,
	}
}
