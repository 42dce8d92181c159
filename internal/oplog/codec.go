package oplog

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/golemsrv/durability/internal/oplogentry"
)

// contentHash is the blob storage key derivation for offloaded payloads.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncodeEntries serializes each entry of a slice with oplogentry.Encode,
// returning one encoded value per entry in the same order.
func EncodeEntries(entries []*oplogentry.Entry) ([][]byte, error) {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := oplogentry.Encode(e)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// DecodeEntries is the inverse of EncodeEntries.
func DecodeEntries(raw [][]byte) ([]*oplogentry.Entry, error) {
	out := make([]*oplogentry.Entry, len(raw))
	for i, b := range raw {
		e, err := oplogentry.Decode(b)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
