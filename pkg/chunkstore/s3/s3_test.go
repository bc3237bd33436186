package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
	storetesting "github.com/marmos91/dittobackup/pkg/chunkstore/testing"
)

// fakeS3 is an in-memory stand-in for the S3 API covering the calls the
// store makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	calls   map[string]int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeS3) count(op string) {
	f.calls[op]++
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("HeadBucket")
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("PutObject")
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("GetObject")
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(data))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("HeadObject")
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DeleteObject")
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DeleteObjects")
	if len(in.Delete.Objects) > maxDeleteBatch {
		return nil, errors.New("MalformedXML: too many keys")
	}
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListObjectsV2")

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(f.objects[key]))),
		})
	}
	return out, nil
}

type recordingMetrics struct {
	mu    sync.Mutex
	ops   map[string]int
	bytes map[string]int64
}

func (m *recordingMetrics) ObserveOperation(op string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
}

func (m *recordingMetrics) RecordBytes(op string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[op] += n
}

func TestS3Store(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) chunkstore.Store {
			store, err := New(context.Background(), Config{
				Client:    newFakeS3("bucket"),
				Bucket:    "bucket",
				KeyPrefix: "test",
			})
			require.NoError(t, err)
			return store
		},
	}

	suite.Run(t)
}

func TestS3StoreConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Bucket: "bucket"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Client: newFakeS3("bucket")})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Client: newFakeS3("bucket"), Bucket: "other"})
	assert.ErrorContains(t, err, `bucket "other"`)
}

func TestS3StoreKeyPrefix(t *testing.T) {
	fake := newFakeS3("bucket")
	store, err := New(context.Background(), Config{Client: fake, Bucket: "bucket", KeyPrefix: "backups/"})
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "chunks/aa/aa01", []byte("x")))
	assert.Contains(t, fake.objects, "backups/chunks/aa/aa01")

	// Objects outside the prefix are invisible.
	fake.objects["other/thing"] = []byte("y")
	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks/aa/aa01"}, keys)
}

func TestS3StoreDeleteBatchSplits(t *testing.T) {
	fake := newFakeS3("bucket")
	store, err := New(context.Background(), Config{Client: fake, Bucket: "bucket"})
	require.NoError(t, err)

	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = "k/" + strings.Repeat("x", 1+i%7) + "/" + string(rune('a'+i%26))
	}

	failures, err := store.DeleteBatch(context.Background(), keys)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 3, fake.calls["DeleteObjects"])
}

func TestS3StoreMetrics(t *testing.T) {
	m := &recordingMetrics{ops: map[string]int{}, bytes: map[string]int64{}}
	store, err := New(context.Background(), Config{Client: newFakeS3("bucket"), Bucket: "bucket", Metrics: m})
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "a", []byte("hello")))
	_, err = store.Get(context.Background(), "a")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, chunkstore.ErrNotFound)

	assert.Equal(t, 1, m.ops["PutObject"])
	assert.Equal(t, 2, m.ops["GetObject"])
	assert.Equal(t, int64(5), m.bytes["write"])
	assert.Equal(t, int64(5), m.bytes["read"])
}
