// Package identity derives canonical entity identities from natural keys.
//
// A CanonicalID is a pure function of a type name and its ordered key
// values: the components are escaped byte for byte, joined with the unit
// separator (0x1F) and encoded with unpadded URL-safe base64. The escaping
// makes the join injective, so tuples that differ in any component, including
// empty components, components containing the separator and components that
// differ only in Unicode composition, never collide. Callers that want
// composition variants to merge normalize with NormalizeNFC first.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Separator joins the escaped components before encoding.
const Separator = '\x1f'

// CanonicalID is an opaque merge key. Callers must not parse it; Decode exists
// for debugging only.
type CanonicalID string

func (id CanonicalID) String() string { return string(id) }

var encoding = base64.RawURLEncoding

var ErrInvalidID = errors.New("invalid canonical id")

// Synthesize returns the canonical identity of the entity of typeName whose
// natural key is keyValues, in declaration order.
func Synthesize(typeName string, keyValues ...string) CanonicalID {
	var b strings.Builder
	b.Grow(len(typeName) + 8*len(keyValues))
	writeEscaped(&b, typeName)
	for _, v := range keyValues {
		b.WriteByte(Separator)
		writeEscaped(&b, v)
	}
	return CanonicalID(encoding.EncodeToString([]byte(b.String())))
}

// Embedded identifies an object that has no natural key of its own by its
// position under the parent entity.
func Embedded(parent CanonicalID, field string, index int, typeName string) CanonicalID {
	return Synthesize(typeName, string(parent), field, strconv.Itoa(index))
}

// NormalizeNFC returns the NFC form of a key component, so that precomposed
// and decomposed spellings of the same text yield one identity.
func NormalizeNFC(s string) string {
	return norm.NFC.String(s)
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case Separator:
			b.WriteString(`\u`)
		default:
			b.WriteByte(c)
		}
	}
}

// Decode reverses Synthesize and returns the components exactly as given.
func Decode(id CanonicalID) (typeName string, keyValues []string, err error) {
	raw, err := encoding.DecodeString(string(id))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	parts := strings.Split(string(raw), string(Separator))
	out := make([]string, len(parts))
	for i, p := range parts {
		u, err := unescape(p)
		if err != nil {
			return "", nil, err
		}
		out[i] = u
	}
	return out[0], out[1:], nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrInvalidID)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'u':
			b.WriteByte(Separator)
		default:
			return "", fmt.Errorf("%w: unknown escape \\%c", ErrInvalidID, s[i])
		}
	}
	return b.String(), nil
}

// FormatValue renders a decoded field value as a key component. It reports
// false for absent values and for values that cannot be part of a key
// (objects, lists).
func FormatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		if isPlainInteger(x.String()) {
			if i, err := x.Int64(); err == nil {
				return strconv.FormatInt(i, 10), true
			}
			return x.String(), true
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64), true
		}
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}

// isPlainInteger reports whether s is an optionally signed run of digits.
// Such literals overflow int64 but must keep every digit.
func isPlainInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
