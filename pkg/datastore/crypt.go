package datastore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// KeySize is the size of the master key and every derived key.
const KeySize = 32

const (
	KDFNone   = "none"
	KDFScrypt = "scrypt"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// sealVersion is authenticated with every sealed payload.
	sealVersion byte = 0x01
)

var (
	// ErrInvalidKeyfile indicates a keyfile that cannot be parsed.
	ErrInvalidKeyfile = errors.New("invalid keyfile")

	// ErrWrongKeyPassword indicates the key password does not unlock the
	// keyfile.
	ErrWrongKeyPassword = errors.New("wrong key password")

	// ErrKeyRequired indicates an encrypted snapshot was opened without a
	// keyfile.
	ErrKeyRequired = errors.New("snapshot is encrypted, keyfile required")

	// ErrKeyMismatch indicates the keyfile does not match the one the
	// snapshot was written with.
	ErrKeyMismatch = errors.New("keyfile does not match snapshot")
)

// HKDF info strings for domain separation between derived keys.
var (
	hkdfInfoEncrypt = []byte("dittobackup.chunk.enc.v1")
	hkdfInfoDigest  = []byte("dittobackup.chunk.digest.v1")
)

// Key is a master encryption key.
type Key [KeySize]byte

// GenerateKey returns a random master key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// Fingerprint identifies a key without revealing it: the first 8 bytes of
// SHA-256 over the derived digest key, hex with colons.
func (k Key) Fingerprint() string {
	keys := k.derive()
	sum := sha256.Sum256(keys.digest[:])
	out := make([]byte, 0, 8*3)
	for i, b := range sum[:8] {
		if i > 0 {
			out = append(out, ':')
		}
		out = fmt.Appendf(out, "%02x", b)
	}
	return string(out)
}

// cryptKeys are the per-purpose keys derived from a master key.
type cryptKeys struct {
	encrypt     [KeySize]byte
	digest      [KeySize]byte
	fingerprint string
}

func (k Key) derive() *cryptKeys {
	keys := &cryptKeys{}
	for _, d := range []struct {
		info []byte
		out  []byte
	}{
		{hkdfInfoEncrypt, keys.encrypt[:]},
		{hkdfInfoDigest, keys.digest[:]},
	} {
		r := hkdf.New(sha256.New, k[:], nil, d.info)
		if _, err := io.ReadFull(r, d.out); err != nil {
			panic("datastore: HKDF expansion failed: " + err.Error())
		}
	}
	return keys
}

// seal encrypts plaintext with XChaCha20-Poly1305:
//
//	[Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The version byte is authenticated as additional data.
func seal(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+aead.Overhead())
	copy(out, nonce[:])
	return aead.Seal(out, nonce[:], plaintext, []byte{sealVersion}), nil
}

func open(key []byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("sealed payload too short (%d bytes)", len(sealed))
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, []byte{sealVersion})
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return pt, nil
}

// Keyfile is the on-disk JSON form of a master key.
//
// With kdf "none" Data holds the raw key. With kdf "scrypt" Data holds the
// key sealed under a key derived from the key password and Salt.
type Keyfile struct {
	KDF         string    `json:"kdf"`
	Salt        []byte    `json:"salt,omitempty"`
	Data        []byte    `json:"data"`
	Created     time.Time `json:"created"`
	Fingerprint string    `json:"fingerprint"`
}

// NewKeyfile wraps key. An empty password stores the key unprotected.
func NewKeyfile(key Key, password string) (*Keyfile, error) {
	kf := &Keyfile{
		KDF:         KDFNone,
		Created:     time.Now().UTC().Truncate(time.Second),
		Fingerprint: key.Fingerprint(),
	}
	if password == "" {
		kf.Data = append([]byte(nil), key[:]...)
		return kf, nil
	}

	kf.KDF = KDFScrypt
	kf.Salt = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, kf.Salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	kek, err := scrypt.Key([]byte(password), kf.Salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key from password: %w", err)
	}
	kf.Data, err = seal(kek, key[:])
	if err != nil {
		return nil, err
	}
	return kf, nil
}

// Unlock recovers the master key.
func (kf *Keyfile) Unlock(password string) (Key, error) {
	var key Key
	var raw []byte

	switch kf.KDF {
	case KDFNone:
		raw = kf.Data
	case KDFScrypt:
		if password == "" {
			return key, fmt.Errorf("%w: keyfile is password protected", ErrWrongKeyPassword)
		}
		kek, err := scrypt.Key([]byte(password), kf.Salt, scryptN, scryptR, scryptP, KeySize)
		if err != nil {
			return key, fmt.Errorf("deriving key from password: %w", err)
		}
		raw, err = open(kek, kf.Data)
		if err != nil {
			return key, ErrWrongKeyPassword
		}
	default:
		return key, fmt.Errorf("%w: unknown kdf %q", ErrInvalidKeyfile, kf.KDF)
	}

	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: key is %d bytes", ErrInvalidKeyfile, len(raw))
	}
	copy(key[:], raw)
	if kf.Fingerprint != "" && kf.Fingerprint != key.Fingerprint() {
		return key, fmt.Errorf("%w: fingerprint mismatch", ErrInvalidKeyfile)
	}
	return key, nil
}

// CreateKeyfile generates a new key and writes it to path with mode 0600.
// An existing file is never overwritten.
func CreateKeyfile(path, password string) (Key, error) {
	key, err := GenerateKey()
	if err != nil {
		return key, err
	}
	kf, err := NewKeyfile(key, password)
	if err != nil {
		return key, err
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return key, fmt.Errorf("encoding keyfile: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return key, fmt.Errorf("creating keyfile: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return key, fmt.Errorf("writing keyfile: %w", err)
	}
	if err := f.Close(); err != nil {
		return key, fmt.Errorf("writing keyfile: %w", err)
	}
	return key, nil
}

// ReadKeyfile parses the keyfile at path.
func ReadKeyfile(path string) (*Keyfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyfile: %w", err)
	}
	var kf Keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyfile, err)
	}
	return &kf, nil
}

// LoadKey reads and unlocks the keyfile at path.
func LoadKey(path, password string) (Key, error) {
	kf, err := ReadKeyfile(path)
	if err != nil {
		return Key{}, err
	}
	return kf.Unlock(password)
}
