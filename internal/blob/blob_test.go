package blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	for _, bad := range []string{"", "/abs", "..", "../x", "a/../../b", `a\b`, "."} {
		_, err := cleanKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
	k, err := cleanKey("topic/run//survey.md")
	require.NoError(t, err)
	assert.Equal(t, "topic/run/survey.md", k)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/markdown", DetectContentType("survey.md", []byte("# hi")))
	assert.Equal(t, "application/json", DetectContentType("results.json", []byte("{}")))
	assert.Equal(t, "image/png", DetectContentType("x.bin", []byte("\x89PNG\r\n\x1a\n0000")))
	assert.True(t, strings.HasPrefix(DetectContentType("notes", []byte("plain words")), "text/plain"))
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Key("topic-a", "run-1", "survey.md"), []byte("one"), "text/markdown"))
	require.NoError(t, s.Put(ctx, Key("topic-a", "run-2", "ideas.md"), []byte("two"), "text/markdown"))
	require.NoError(t, s.Put(ctx, Key("topic-b", "run-1", "survey.md"), []byte("three"), "text/markdown"))

	got, err := s.Get(ctx, "topic-a/run-1/survey.md")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	require.NoError(t, s.Put(ctx, "topic-a/run-1/survey.md", []byte("replaced"), ""))
	got, err = s.Get(ctx, "topic-a/run-1/survey.md")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(got))

	_, err = s.Get(ctx, "topic-a/run-9/none.md")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeletePrefix(ctx, "topic-a"))
	_, err = s.Get(ctx, "topic-a/run-2/ideas.md")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err = s.Get(ctx, "topic-b/run-1/survey.md")
	require.NoError(t, err)
	assert.Equal(t, "three", string(got))

	require.NoError(t, s.DeletePrefix(ctx, "topic-missing"))
	assert.ErrorIs(t, s.Put(ctx, "../escape", nil, ""), ErrInvalidKey)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestBillyStore(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

// fakeS3 keeps objects in a map and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deletes int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "bucket", "/artifacts/")
	exerciseStore(t, s)

	assert.Contains(t, fake.objects, "artifacts/topic-b/run-1/survey.md")
	assert.Equal(t, "text/markdown", fake.types["artifacts/topic-b/run-1/survey.md"])
	assert.Equal(t, 1, fake.deletes, "missing prefix issues no delete call")
}

func TestS3Store_DeletePrefixDoesNotMatchSiblings(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "bucket", "")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "topic-1/run/a.md", []byte("a"), ""))
	require.NoError(t, s.Put(ctx, "topic-10/run/a.md", []byte("b"), ""))

	require.NoError(t, s.DeletePrefix(ctx, "topic-1"))
	assert.NotContains(t, fake.objects, "topic-1/run/a.md")
	assert.Contains(t, fake.objects, "topic-10/run/a.md")
}
