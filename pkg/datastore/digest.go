package datastore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is the 32-byte BLAKE3 identity of a chunk's plaintext.
type Digest [32]byte

// ZeroDigest marks a sparse slot in a fixed index.
var ZeroDigest Digest

// IsZero reports whether d marks a sparse slot.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("invalid digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// chunkDomainKey keys unencrypted chunk digests. The ASCII tag is
// zero-padded to 32 bytes.
var chunkDomainKey = [32]byte{
	'd', 'i', 't', 't', 'o', 'b', 'a', 'c', 'k', 'u', 'p', '.',
	'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// digester computes chunk digests. Encrypted sessions key the hash with a
// secret derived from the encryption key, so identical plaintext under
// different keys never deduplicates.
type digester struct {
	key [32]byte
}

func newDigester(k *cryptKeys) digester {
	if k == nil {
		return digester{key: chunkDomainKey}
	}
	return digester{key: k.digest}
}

func (d digester) sum(data []byte) Digest {
	hasher, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		panic("datastore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var out Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// checksum is the unkeyed BLAKE3 hex digest used for index, blob and
// manifest integrity.
func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// chunkKey is the object key of a chunk: chunks/<first 4 hex>/<hex>.
func chunkKey(d Digest) string {
	h := d.String()
	return "chunks/" + h[:4] + "/" + h
}

// ChunkPrefix is the object prefix under which all chunks live.
const ChunkPrefix = "chunks/"

// DigestFromKey recovers the digest from a chunk object key.
func DigestFromKey(key string) (Digest, bool) {
	if len(key) != len(ChunkPrefix)+4+1+64 {
		return Digest{}, false
	}
	d, err := ParseDigest(key[len(key)-64:])
	if err != nil || chunkKey(d) != key {
		return Digest{}, false
	}
	return d, true
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
