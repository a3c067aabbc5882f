package envelope

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// KeyFilePerms restricts key files to owner-only read/write.
const KeyFilePerms = 0o600

// ParseKeyFile decodes a key file: one standard-base64 32-byte key per line,
// blank lines and '#' comments ignored. The first key is primary.
func ParseKeyFile(data []byte) (*KeyRing, error) {
	var (
		keys [][]byte
		errs []error
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for sc.Scan() {
		lineNo++

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		k, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: invalid base64", lineNo))
			continue
		}

		if len(k) != KeySize {
			errs = append(errs, fmt.Errorf("line %d: %w (got %d)", lineNo, ErrKeySize, len(k)))
			continue
		}

		keys = append(keys, k)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("envelope: scanning key file: %w", err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("envelope: key file: %w", errors.Join(errs...))
	}

	if len(keys) == 0 {
		return nil, ErrEmptyRing
	}

	return NewKeyRing(keys...)
}

// LoadKeyFile reads and parses the key file at path.
func LoadKeyFile(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("envelope: reading key file %s: %w", path, err)
	}

	ring, err := ParseKeyFile(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: %s: %w", path, err)
	}

	return ring, nil
}

// PrependKey writes a new primary key to the top of the key file at path,
// keeping existing keys for decryption. The file is created when missing.
func PrependKey(path string, key []byte) error {
	if len(key) != KeySize {
		return ErrKeySize
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("envelope: reading key file %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.WriteString(base64.StdEncoding.EncodeToString(key))
	buf.WriteByte('\n')
	buf.Write(existing)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("envelope: creating key directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), KeyFilePerms); err != nil {
		return fmt.Errorf("envelope: writing key file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("envelope: renaming key file: %w", err)
	}

	return nil
}

// Watcher holds the current key ring and reloads it when the key file
// changes. A reload that fails keeps the previous ring.
type Watcher struct {
	path   string
	logger *slog.Logger
	ring   atomic.Pointer[KeyRing]
}

// NewWatcher loads path once and returns a Watcher serving that ring.
// Call Run to follow later changes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	ring, err := LoadKeyFile(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, logger: logger}
	w.ring.Store(ring)

	return w, nil
}

// Ring returns the current key ring. Safe for concurrent use.
func (w *Watcher) Ring() *KeyRing {
	return w.ring.Load()
}

// Reload rereads the key file now.
func (w *Watcher) Reload() error {
	ring, err := LoadKeyFile(w.path)
	if err != nil {
		w.logger.Warn("key file reload failed, keeping previous ring",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)

		return err
	}

	w.ring.Store(ring)
	w.logger.Info("key ring reloaded",
		slog.String("path", w.path),
		slog.Int("keys", ring.Len()),
	)

	return nil
}

// Run watches the key file's directory until ctx is canceled. Watching the
// directory rather than the file survives editors and tools that replace the
// file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("envelope: creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("envelope: watching %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = w.Reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("key file watcher error", slog.String("error", err.Error()))
		}
	}
}
