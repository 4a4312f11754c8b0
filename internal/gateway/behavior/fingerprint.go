package behavior

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint produces a stable short digest of an action invocation:
// identical name+params always hash identically regardless of map key
// order. Used by the repetition detector.
func Fingerprint(actionName string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(actionName))
	h.Write([]byte{0})
	h.Write([]byte(canonicalize(params)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// canonicalize serializes a value with all map keys in sorted order.
func canonicalize(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprintf("%q:%s", k, canonicalize(t[k]))
		}
		return out + "}"
	case []any:
		out := "["
		for i, e := range t {
			if i > 0 {
				out += ","
			}
			out += canonicalize(e)
		}
		return out + "]"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
