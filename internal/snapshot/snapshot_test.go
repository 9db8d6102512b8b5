package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
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

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

func sampleSnapshot() Snapshot {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := make([]index.Record, 0, 50)
	for i := 0; i < 50; i++ {
		records = append(records, index.Record{
			ID:            strings.Repeat("r", i%5+1),
			RawValues:     map[string]string{"Modality": "CT", "StudyDescription": "CHEST PA AND LATERAL"},
			IndexedValues: map[string]string{"Modality": "CT"},
			CommittedAt:   at,
		})
	}
	return Snapshot{
		ID:              "snap-1",
		CreatedAt:       at,
		RegistryVersion: 3,
		Fields:          []registry.Field{{Tag: "Modality", DataType: registry.TypeEnum, Searchable: true, Version: 2}},
		Index: index.Dump{
			Version:  7,
			Segments: []index.SegmentDump{{ID: 1, Base: 0, CommittedAt: at, Records: records}},
		},
		Watermark: at,
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionZSTD, CompressionLZ4, CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			codec := NewCodec(c)
			snap := sampleSnapshot()

			data, err := codec.Encode(snap)
			require.NoError(t, err)
			got, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, snap.ID, got.ID)
			assert.Equal(t, snap.Fields, got.Fields)
			assert.Equal(t, snap.Index.Version, got.Index.Version)
			assert.Len(t, got.Index.Segments[0].Records, 50)
			assert.True(t, snap.Watermark.Equal(got.Watermark))
		})
	}
}

func TestCodec_CompressionShrinksRepetitivePayload(t *testing.T) {
	snap := sampleSnapshot()
	plain, err := NewCodec(CompressionNone).Encode(snap)
	require.NoError(t, err)
	packed, err := NewCodec(CompressionZSTD).Encode(snap)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
}

func TestCodec_DetectsCorruption(t *testing.T) {
	codec := NewCodec(CompressionNone)
	data, err := codec.Encode(sampleSnapshot())
	require.NoError(t, err)

	damaged := bytes.Clone(data)
	damaged[len(damaged)-5] ^= 0xff
	_, err = codec.Decode(damaged)
	assert.Equal(t, ierrors.ErrCodeSnapshotCorrupt, ierrors.GetCode(err))

	_, err = codec.Decode([]byte("garbage"))
	assert.Equal(t, ierrors.ErrCodeSnapshotCorrupt, ierrors.GetCode(err))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "b.snap", []byte("two")))
	require.NoError(t, s.Put(ctx, "a.snap", []byte("one")))
	require.NoError(t, s.Put(ctx, "a.snap", []byte("uno")))

	got, err := s.Get(ctx, "a.snap")
	require.NoError(t, err)
	assert.Equal(t, "uno", string(got))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.snap", "b.snap"}, names)

	require.NoError(t, s.Delete(ctx, "a.snap"))
	require.NoError(t, s.Delete(ctx, "a.snap"))
	_, err = s.Get(ctx, "a.snap")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Put(ctx, "../escape", nil))
}

func TestFileLock_ExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.lock")
	first := NewFileLock(path)
	second := NewFileLock(path)

	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock())
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}

func TestRepository(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	repo := NewRepository(store, NewCodec(CompressionZSTD), nil)

	require.NoError(t, repo.Save(ctx, sampleSnapshot()))

	ids, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1"}, ids)

	got, err := repo.Load(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RegistryVersion)

	_, err = repo.Load(ctx, "snap-missing")
	assert.True(t, errors.Is(err, ierrors.ErrSnapshotNotFound))

	require.NoError(t, repo.Delete(ctx, "snap-1"))
	ids, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_WithRepository(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	repo := NewRepository(NewS3Store(client, "backups", "dicomindex"), NewCodec(CompressionLZ4), nil)

	require.NoError(t, repo.Save(ctx, sampleSnapshot()))
	assert.Contains(t, client.objects, "dicomindex/snap-1.snap")

	ids, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1"}, ids)

	got, err := repo.Load(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", got.ID)

	_, err = repo.Load(ctx, "nope")
	assert.True(t, errors.Is(err, ierrors.ErrSnapshotNotFound))
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), BackendConfig{Kind: "tape"})
	assert.Error(t, err)

	s, err := Open(context.Background(), BackendConfig{Kind: BackendLocal, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)
}
