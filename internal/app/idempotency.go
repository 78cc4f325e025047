package app

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// transferFingerprint identifies the parameters an idempotency token was
// first used with, so a reused token with other parameters can be refused.
func transferFingerprint(from, to string, amount int64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%d", from, to, amount)))
	return hex.EncodeToString(sum[:])
}
