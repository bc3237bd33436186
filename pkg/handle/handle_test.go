package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct{ name string }

func TestInsertGetRemove(t *testing.T) {
	reg := NewRegistry[*object]("test")

	a := &object{name: "a"}
	h, err := reg.Insert(a)
	require.NoError(t, err)
	assert.NotEqual(t, Invalid, h)

	got, err := reg.Get(h)
	require.NoError(t, err)
	assert.Same(t, a, got)

	removed, err := reg.Remove(h)
	require.NoError(t, err)
	assert.Same(t, a, removed)

	_, err = reg.Get(h)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Remove(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertNil(t *testing.T) {
	reg := NewRegistry[*object]("test")
	_, err := reg.Insert(nil)
	assert.ErrorIs(t, err, ErrNilValue)
	assert.Zero(t, reg.Len())
}

func TestInvalidHandleNeverFound(t *testing.T) {
	reg := NewRegistry[*object]("test")
	_, err := reg.Insert(&object{})
	require.NoError(t, err)

	_, err = reg.Get(Invalid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandlesAreNotReused(t *testing.T) {
	reg := NewRegistry[*object]("test")

	h1, err := reg.Insert(&object{})
	require.NoError(t, err)
	_, err = reg.Remove(h1)
	require.NoError(t, err)

	h2, err := reg.Insert(&object{})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, []Handle{h2}, reg.Handles())
}

func TestConcurrentInsert(t *testing.T) {
	reg := NewRegistry[*object]("test")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[Handle]bool{}
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Insert(&object{})
			assert.NoError(t, err)
			mu.Lock()
			seen[h] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 64)
	assert.Equal(t, 64, reg.Len())
}
