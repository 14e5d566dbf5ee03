package tokentelemetry

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

// md5Hex hashes s with MD5, as the token/key pipelines' wire schema
// mandates explicitly (spec 3: "TokenEntry keyed by md5(value)") — a
// named algorithm baked into the cross-client schema is a correctness
// requirement, not a design choice a third-party hash library would serve
// any better.
func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// randomAntiDuplicates generates the outbound envelope's random32
// anti-duplicates field (spec 6).
func randomAntiDuplicates() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// shouldCheckToken is a conservative heuristic for which query-string
// values are worth the cost of key/value extraction: very short values are
// rarely identifying and dominate the noise floor the downstream caches
// would otherwise have to absorb.
func shouldCheckToken(value string) bool {
	return len(value) >= 8
}
