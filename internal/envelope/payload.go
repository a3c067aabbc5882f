package envelope

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
)

// structuredPrefix marks sealed plaintext that was JSON-encoded from a
// non-string value, so opening restores the original value and not its text.
const structuredPrefix = "\x00json:"

// FieldPlaintext returns the plaintext EncryptPayload seals for v. Strings are
// used as-is; other values are JSON-encoded behind structuredPrefix. ok is
// false for nil and for already-tagged strings, which are never sealed.
func FieldPlaintext(v any) (plain string, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, !IsTagged(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false, err
		}

		return structuredPrefix + string(b), true, nil
	}
}

// fieldValue reverses FieldPlaintext. Numbers keep their exact text.
func fieldValue(plain string) (any, error) {
	rest, ok := strings.CutPrefix(plain, structuredPrefix)
	if !ok {
		return plain, nil
	}

	dec := json.NewDecoder(strings.NewReader(rest))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}

// EncryptPayload returns a copy of row with each listed field sealed under
// the ring's primary key. Missing and null fields are skipped and
// already-tagged strings pass through.
func EncryptPayload(row map[string]any, fields []string, ring *KeyRing) (map[string]any, error) {
	if len(fields) == 0 {
		return row, nil
	}

	key := ring.Primary()
	if key == nil {
		return nil, ErrEmptyRing
	}

	out := maps.Clone(row)

	for _, f := range fields {
		plain, ok, err := FieldPlaintext(out[f])
		if err != nil {
			return nil, fmt.Errorf("envelope: encoding field %s: %w", f, err)
		}

		if !ok {
			continue
		}

		sealed, err := EncryptField(plain, key)
		if err != nil {
			return nil, fmt.Errorf("envelope: encrypting field %s: %w", f, err)
		}

		out[f] = sealed
	}

	return out, nil
}

// DecryptPayload returns a copy of row with each listed tagged field opened.
// Fields no key opens keep their ciphertext. Values sealed from objects,
// arrays, numbers or booleans come back as those values.
func DecryptPayload(row map[string]any, fields []string, ring *KeyRing, logger *slog.Logger) map[string]any {
	if len(fields) == 0 {
		return row
	}

	out := maps.Clone(row)

	for _, f := range fields {
		s, ok := out[f].(string)
		if !ok || !IsTagged(s) {
			continue
		}

		fieldLogger := logger
		if logger != nil {
			fieldLogger = logger.With(slog.String("field", f))
		}

		plain := DecryptField(s, ring, fieldLogger)

		v, err := fieldValue(plain)
		if err != nil {
			if fieldLogger != nil {
				fieldLogger.Warn("sealed structured value is not valid JSON, keeping ciphertext",
					slog.String("error", err.Error()),
				)
			}

			continue
		}

		out[f] = v
	}

	return out
}
