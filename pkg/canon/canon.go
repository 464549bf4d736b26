// Package canon provides RFC 8785-shaped canonical JSON encoding and
// SHA-256 hashing for deterministic decision and ledger-entry digests.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrNonFiniteNumber is returned when a value contains a float that is not
// representable as an exact decimal (NaN, +Inf, -Inf never survive JSON
// encoding in the first place, but a float64 field with a fractional
// component reaching us via struct marshaling still needs to be rejected
// rather than silently truncated).
type ErrNonFiniteNumber struct {
	Value float64
}

func (e *ErrNonFiniteNumber) Error() string {
	return fmt.Sprintf("canon: non-finite or float value %v is not a canonical number; use an integer minor-unit field", e.Value)
}

// Canonicalize returns the canonical byte representation of v: UTF-8 NFC
// normalized strings, lexicographically sorted object keys by UTF-8 bytes,
// no HTML escaping, and exact-integer numerics only.
func Canonicalize(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns the canonical form as a string.
func String(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Time is a wrapper guaranteeing microsecond-precision UTC timestamps in
// canonical output, matching the RFC3339Nano shape truncated to six
// fractional digits that ledger entries and decision hashes require.
type Time struct {
	time.Time
}

const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

// NewTime truncates t to microsecond precision and converts it to UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(canonicalTimeLayout))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(canonicalTimeLayout, s)
	if err != nil {
		// tolerate RFC3339Nano on the way in; re-emit canonical on the way out
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("canon: parse time %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC().Truncate(time.Microsecond)
	return nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, t)
	case string:
		return encodeString(buf, t)
	case []interface{}:
		return encodeArray(buf, t)
	case map[string]interface{}:
		return encodeObject(buf, t)
	default:
		return fmt.Errorf("canon: unsupported type %T in canonical value; floats must be pre-converted to integer minor units", v)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("canon: invalid number %q: %w", s, err)
		}
		return &ErrNonFiniteNumber{Value: f}
	}
	buf.WriteString(s)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	normalizedLookup := make(map[string]string, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		nk := norm.NFC.String(k)
		if existing, collision := normalizedLookup[nk]; collision && existing != k {
			return fmt.Errorf("canon: keys %q and %q collide after NFC normalization to %q", existing, k, nk)
		}
		normalizedLookup[nk] = k
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, nk := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, nk); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[normalizedLookup[nk]]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
