package datastore

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{
		"":     CompressionNone,
		"none": CompressionNone,
		"zstd": CompressionZstd,
		"lz4":  CompressionLZ4,
	} {
		got, err := ParseCompression(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
		if name != "" {
			assert.Equal(t, name, got.String())
		}
	}

	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("dittobackup compressible text "), 4096)
	noise := randomBytes(t, 64*1024)

	for _, alg := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(alg.String(), func(t *testing.T) {
			tag, out, err := compress(alg, text)
			require.NoError(t, err)
			assert.Equal(t, alg, tag)
			if alg != CompressionNone {
				assert.Less(t, len(out), len(text))
			}
			back, err := decompress(tag, out, len(text))
			require.NoError(t, err)
			assert.Equal(t, text, back)

			tag, out, err = compress(alg, noise)
			require.NoError(t, err)
			assert.Equal(t, CompressionNone, tag, "incompressible data is stored raw")
			assert.Equal(t, noise, out)
		})
	}

	_, _, err := compress(Compression(9), text)
	assert.Error(t, err)
}

func TestBlobEnvelope(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	keys := key.derive()
	plain := bytes.Repeat([]byte{1, 2, 3, 4}, 16*1024)

	cases := []struct {
		name string
		alg  Compression
		keys *cryptKeys
	}{
		{"plain", CompressionNone, nil},
		{"zstd", CompressionZstd, nil},
		{"lz4 encrypted", CompressionLZ4, keys},
		{"encrypted", CompressionNone, keys},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := encodeBlob(tc.alg, tc.keys, plain)
			require.NoError(t, err)
			assert.Equal(t, byte(tc.alg), blob[0])
			if tc.keys != nil {
				assert.Equal(t, byte(1), blob[1])
				assert.False(t, bytes.Contains(blob, plain[:64]))
			}

			back, err := decodeBlob(tc.keys, blob)
			require.NoError(t, err)
			assert.Equal(t, plain, back)
		})
	}

	t.Run("missing key", func(t *testing.T) {
		blob, err := encodeBlob(CompressionNone, keys, plain)
		require.NoError(t, err)
		_, err = decodeBlob(nil, blob)
		assert.ErrorIs(t, err, ErrKeyRequired)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		blob, err := encodeBlob(CompressionNone, keys, plain)
		require.NoError(t, err)
		_, err = decodeBlob(other.derive(), blob)
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := decodeBlob(nil, []byte{0, 0})
		assert.Error(t, err)
	})
}
