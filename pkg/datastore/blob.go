package datastore

import (
	"encoding/binary"
	"fmt"
)

// Stored objects (chunks and configuration blobs) share one envelope:
//
//	[Compression: 1 byte] [Encrypted: 1 byte] [Plain size: 4 bytes BE] [Payload]
//
// The payload is the plaintext compressed with the named algorithm, then
// sealed with the chunk encryption key when the encrypted flag is set.
const blobHeaderSize = 6

// encodeBlob compresses and optionally encrypts plaintext.
func encodeBlob(alg Compression, keys *cryptKeys, plaintext []byte) ([]byte, error) {
	tag, payload, err := compress(alg, plaintext)
	if err != nil {
		return nil, err
	}

	var encrypted byte
	if keys != nil {
		payload, err = seal(keys.encrypt[:], payload)
		if err != nil {
			return nil, err
		}
		encrypted = 1
	}

	out := make([]byte, blobHeaderSize, blobHeaderSize+len(payload))
	out[0] = byte(tag)
	out[1] = encrypted
	binary.BigEndian.PutUint32(out[2:], uint32(len(plaintext)))
	return append(out, payload...), nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(keys *cryptKeys, blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("object too short (%d bytes)", len(blob))
	}
	tag := Compression(blob[0])
	size := int(binary.BigEndian.Uint32(blob[2:]))
	payload := blob[blobHeaderSize:]

	switch blob[1] {
	case 0:
	case 1:
		if keys == nil {
			return nil, ErrKeyRequired
		}
		var err error
		payload, err = open(keys.encrypt[:], payload)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid encryption flag %d", blob[1])
	}

	return decompress(tag, payload, size)
}
