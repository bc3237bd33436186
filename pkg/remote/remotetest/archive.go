package remotetest

import (
	"context"
	"fmt"

	"github.com/marmos91/dittobackup/pkg/remote"
)

// Archive is an in-memory remote.ArchiveReader. A nil entry in Chunks is a
// sparse chunk.
type Archive struct {
	Name      string
	BlockSize uint64
	Chunks    [][]byte

	// FailAt fails ReadChunk for the given index.
	FailAt map[int]error
}

// NewArchive builds an archive of the given chunk layout. dataChunk reports
// whether chunk i holds data; data chunks are filled with byte(i+1).
func NewArchive(name string, chunkSize uint64, count int, dataChunk func(i int) bool) *Archive {
	a := &Archive{Name: remote.ImageArchiveName(name), BlockSize: chunkSize, Chunks: make([][]byte, count)}
	for i := 0; i < count; i++ {
		if !dataChunk(i) {
			continue
		}
		chunk := make([]byte, chunkSize)
		for j := range chunk {
			chunk[j] = byte(i + 1)
		}
		a.Chunks[i] = chunk
	}
	return a
}

func (a *Archive) Size() uint64      { return a.BlockSize * uint64(len(a.Chunks)) }
func (a *Archive) ChunkSize() uint64 { return a.BlockSize }
func (a *Archive) ChunkCount() int   { return len(a.Chunks) }
func (a *Archive) Close() error      { return nil }

func (a *Archive) ReadChunk(ctx context.Context, index int) (remote.Segment, error) {
	if err := ctx.Err(); err != nil {
		return remote.Segment{}, err
	}
	if index < 0 || index >= len(a.Chunks) {
		return remote.Segment{}, fmt.Errorf("chunk %d out of range", index)
	}
	if err := a.FailAt[index]; err != nil {
		return remote.Segment{}, err
	}

	seg := remote.Segment{Offset: uint64(index) * a.BlockSize, Length: a.BlockSize}
	if a.Chunks[index] == nil {
		seg.Zero = true
		return seg, nil
	}
	seg.Data = a.Chunks[index]
	return seg, nil
}
