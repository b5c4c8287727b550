package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// fakeClient keeps objects in a map and pages listings two keys at a time.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	lists   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeClient) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestS3Node_Configuration(t *testing.T) {
	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(Config{Region: "us-east-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("Keys", func(t *testing.T) {
		node := NewWithClient(newFakeClient(), Config{Bucket: "b", Prefix: "mig"})
		assert.Equal(t, "s3://b", node.Name())
		assert.Equal(t, "mig/object/a%2Fx.1.1", node.ObjectKey("a/x.1.1"))
		assert.Equal(t, "mig/meta/a%2Fx.1.1.xml", node.MetaKey("a/x.1.1"))
	})
}

func TestS3Node_CreateUpdate(t *testing.T) {
	client := newFakeClient()
	node := NewWithClient(client, Config{Bucket: "b", Name: "archive"})
	ctx := context.Background()

	first := &simplemigrate.SystemMetadata{Identifier: "a/x.1.1", FormatID: "text/csv", RightsHolder: "r"}
	require.NoError(t, node.Create(ctx, "a/x.1.1", []byte("one"), first))

	err := node.Create(ctx, "a/x.1.1", []byte("one"), first)
	assert.ErrorIs(t, err, simplemigrate.ErrAlreadyExists)

	data, err := node.Get(ctx, "a/x.1.1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	second := &simplemigrate.SystemMetadata{Identifier: "a/x.1.2", FormatID: "text/csv", RightsHolder: "r", Obsoletes: "a/x.1.1"}
	require.NoError(t, node.Update(ctx, "a/x.1.1", []byte("two"), "a/x.1.2", second))

	old, err := node.GetSystemMetadata(ctx, "a/x.1.1")
	require.NoError(t, err)
	assert.Equal(t, "a/x.1.2", old.ObsoletedBy)

	err = node.Update(ctx, "a/x.1.1", []byte("three"), "a/x.1.3", second)
	assert.Error(t, err)

	_, err = node.Get(ctx, "a/missing.1.1")
	assert.ErrorIs(t, err, simplemigrate.ErrNotFound)
}

func TestS3Node_ListPages(t *testing.T) {
	client := newFakeClient()
	node := NewWithClient(client, Config{Bucket: "b"})
	ctx := context.Background()

	want := []string{"a/x.1.1", "a/x.1.2", "a/y.2.1", "b/z.3.1", "b/z.3.2"}
	for _, pid := range want {
		meta := &simplemigrate.SystemMetadata{Identifier: pid, FormatID: "text/plain", RightsHolder: "r"}
		require.NoError(t, node.Create(ctx, pid, []byte(pid), meta))
	}

	var got []string
	for pid, err := range node.List(ctx) {
		require.NoError(t, err)
		got = append(got, pid)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, client.lists)
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &types.NoSuchKey{}, true},
		{"not found", &types.NotFound{}, true},
		{"generic code", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

// TestS3Node_MinIO runs against a real S3-compatible service when
// S3_TEST_ENDPOINT is set, e.g. a local MinIO.
func TestS3Node_MinIO(t *testing.T) {
	endpoint := os.Getenv("S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_TEST_ENDPOINT not set")
	}

	node, err := New(Config{
		Bucket:                 "simplemigrate-test",
		Endpoint:               endpoint,
		AccessKeyID:            os.Getenv("S3_TEST_ACCESS_KEY_ID"),
		SecretAccessKey:        os.Getenv("S3_TEST_SECRET_ACCESS_KEY"),
		UsePathStyle:           true,
		CreateBucketIfNotExist: true,
		Prefix:                 "t" + strconv.Itoa(os.Getpid()),
	})
	require.NoError(t, err)

	ctx := context.Background()
	meta := &simplemigrate.SystemMetadata{Identifier: "a/x.1.1", FormatID: "text/plain", RightsHolder: "r"}
	require.NoError(t, node.Create(ctx, "a/x.1.1", []byte("hello"), meta))

	data, err := node.Get(ctx, "a/x.1.1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
