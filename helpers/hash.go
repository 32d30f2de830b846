package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the hex encoded BLAKE3 digest of data. It is used as
// the content address of archived messages.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewS3Key builds the object key for an archived message:
// <domain>/<localpart>/<hash>.
func NewS3Key(email, hash string) string {
	local, domain := SplitEmailAddress(email)
	if domain == "" {
		domain = "_"
	}
	return domain + "/" + local + "/" + hash
}
