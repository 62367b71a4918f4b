package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes a stable hash over a desired spec and its declared
// dependency ids. The spec bytes are canonicalized first so that key order in
// the caller's JSON does not produce spurious diffs.
func Fingerprint(spec json.RawMessage, dependencies []string) string {
	h := sha256.New()
	h.Write(canonicalJSON(spec))

	deps := append([]string(nil), dependencies...)
	sort.Strings(deps)
	for _, dep := range deps {
		h.Write([]byte{0})
		h.Write([]byte(dep))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals raw JSON so that object keys come out sorted.
// encoding/json sorts map keys on marshal, which is exactly the property we
// need. Invalid or empty input hashes as-is.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
