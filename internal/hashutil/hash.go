// Package hashutil derives the content hashes the registry and stream
// processor use to identify incantations and to detect when a
// materialized view's contents have actually changed. It plays the
// same role the teacher's internal/idgen/hash.go played for issue IDs,
// swapped to BLAKE3 per the core's hashing requirement.
package hashutil

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// QueryHash derives the content hash used as an incantation's registry
// key: BLAKE3 of the canonical JSON encoding of {surql, params}, XORed
// byte-for-byte against the client ID so that two clients registering
// an identical query never collide on the same hash.
func QueryHash(surql string, params map[string]any, clientID string) string {
	canon := canonicalize(surql, params)
	sum := blake3.Sum256([]byte(canon))
	clientSum := blake3.Sum256([]byte(clientID))
	for i := range sum {
		sum[i] ^= clientSum[i]
	}
	return fmt.Sprintf("%x", sum)
}

// canonicalize produces a stable JSON encoding of {surql, params}:
// encoding/json writes map keys in sorted order at every nesting level,
// so the same query always produces the same byte string regardless of
// map iteration order. A nil params map encodes the same as an empty one.
func canonicalize(surql string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	b, _ := json.Marshal(map[string]any{"surql": surql, "params": params})
	return string(b)
}

// ResultHash derives the hash a materialized view carries: BLAKE3 over
// the newline-joined "table:id:version" lines of its record-version
// array, in order. Order-sensitivity is intentional — a query with an
// ORDER BY clause that reorders its result set produces a new hash
// even when the member set is unchanged.
func ResultHash(lines []string) string {
	h := blake3.New()
	for _, l := range lines {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Checksum is used by the stream processor's snapshot envelope to
// detect truncated or corrupted save_state output.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
