package attachment

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the storage id for an attachment body.
func ContentHash(body []byte) []byte {
	sum := blake2b.Sum256(body)
	return sum[:]
}

func hexID(id []byte) string {
	return hex.EncodeToString(id)
}
