package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form,
// suitable for in-memory cache keys (e.g. "TP-001" or "20240101").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps lookup caches consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// KeepSmallest records id under the normalized form of k unless a smaller id
// is already there. Business ids may repeat in a dimension; the result must
// not depend on row scan order.
func KeepSmallest(out map[string]int64, k any, id int64) {
	nk := NormalizeKey(k)
	if cur, ok := out[nk]; ok && cur <= id {
		return
	}
	out[nk] = id
}

// Rebind rewrites '?' placeholders outside single-quoted literals using
// placeholder(n), where n is 1-based.
func Rebind(query string, placeholder func(n int) string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteString(placeholder(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Chunks splits keys into slices of at most size elements.
func Chunks(keys []any, size int) [][]any {
	if size <= 0 {
		size = len(keys)
	}
	var out [][]any
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
