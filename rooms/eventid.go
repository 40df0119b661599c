package rooms

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// ComputeEventID is a minimal stand-in for the "external signing
// helper" spec.md §4.6 step 2 delegates event-id computation to: a
// canonical-JSON digest in the shape of a Matrix room-version-4+ event
// id ("$base64url(sha256(canonical_json))"). Full Matrix canonical
// JSON (reference numeric formatting, redaction-algorithm field
// stripping) and signing live in the federation engine collaborator
// that spec.md §1 explicitly excludes; this gives AppendPDU something
// deterministic and collision-resistant to call today.
func ComputeEventID(canonicalPdu []byte) string {
	sum := sha256.Sum256(canonicalPdu)
	return "$" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// CanonicalJSON re-encodes v with object keys sorted, the one property
// Matrix's canonical JSON and Go's encoding/json don't share by
// default.
func CanonicalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalEncode(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalEncode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}
