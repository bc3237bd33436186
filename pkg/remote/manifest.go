package remote

import (
	"strings"
	"time"
)

const (
	// ImageArchiveSuffix is appended to image names to form archive names.
	ImageArchiveSuffix = ".img.fidx"

	// BlobSuffix is appended to configuration blob names.
	BlobSuffix = ".blob"

	// ManifestName is the object name of a committed manifest.
	ManifestName = "index.cbor"
)

// ImageArchiveName returns "<name>.img.fidx" unless name already carries the
// suffix.
func ImageArchiveName(name string) string {
	if strings.HasSuffix(name, ImageArchiveSuffix) {
		return name
	}
	return name + ImageArchiveSuffix
}

// BlobName returns "<name>.blob" unless name already carries the suffix.
func BlobName(name string) string {
	if strings.HasSuffix(name, BlobSuffix) {
		return name
	}
	return name + BlobSuffix
}

// Manifest enumerates the archives and blobs of a finished snapshot.
type Manifest struct {
	BackupType string        `cbor:"backup-type"`
	BackupID   string        `cbor:"backup-id"`
	BackupTime time.Time     `cbor:"backup-time"`
	Archives   []ArchiveInfo `cbor:"archives"`
	Blobs      []BlobInfo    `cbor:"blobs"`
	Encrypted  bool          `cbor:"encrypted"`

	// KeyFingerprint identifies the encryption key of an encrypted
	// snapshot. Set by the storage service at commit.
	KeyFingerprint string `cbor:"key-fingerprint,omitempty"`
}

// Archive returns the archive entry with the given full name.
func (m *Manifest) Archive(name string) (ArchiveInfo, bool) {
	for _, a := range m.Archives {
		if a.Name == name {
			return a, true
		}
	}
	return ArchiveInfo{}, false
}

// ArchiveInfo describes one image archive.
type ArchiveInfo struct {
	Name      string `cbor:"name"`
	Size      uint64 `cbor:"size"`
	ChunkSize uint64 `cbor:"chunk-size"`
	Checksum  string `cbor:"csum"`

	BytesWritten     uint64 `cbor:"written"`
	BytesReused      uint64 `cbor:"reused"`
	BytesTransferred uint64 `cbor:"transferred"`
}

// BlobInfo describes one configuration blob.
type BlobInfo struct {
	Name     string `cbor:"name"`
	Size     uint64 `cbor:"size"`
	Checksum string `cbor:"csum"`
}
