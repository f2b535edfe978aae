package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocalStore(filepath.Join(dir, "media"))
	require.NoError(t, err)

	ref, err := l.Put(context.Background(), "profiles/1/pic.png", strings.NewReader("data"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/media/profiles/1/pic.png", ref)

	b, err := os.ReadFile(filepath.Join(dir, "media", "profiles", "1", "pic.png"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	l, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape.png", "profiles/../../x", "/"} {
		_, err := l.Put(context.Background(), key, strings.NewReader("x"), "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

type fakeS3 struct {
	in      *s3.PutObjectInput
	body    string
	deleted *s3.DeleteObjectInput
	err     error
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = in
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{}
	s := newS3Store(fake, S3Config{Bucket: "avatars", Region: "eu-west-1"})

	ref, err := s.Put(context.Background(), "profiles/1/a.png", strings.NewReader("img"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://avatars.s3.eu-west-1.amazonaws.com/profiles/1/a.png", ref)
	assert.Equal(t, "avatars", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "profiles/1/a.png", aws.ToString(fake.in.Key))
	assert.Equal(t, "image/png", aws.ToString(fake.in.ContentType))
	assert.Equal(t, "img", fake.body)
}

func TestS3Store_CustomEndpoint(t *testing.T) {
	s := newS3Store(&fakeS3{}, S3Config{Bucket: "avatars", Region: "us-east-1", Endpoint: "http://127.0.0.1:9000/"})

	ref, err := s.Put(context.Background(), "k.png", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/avatars/k.png", ref)
}

func TestS3Store_Error(t *testing.T) {
	s := newS3Store(&fakeS3{err: errors.New("denied")}, S3Config{Bucket: "b", Region: "r"})
	_, err := s.Put(context.Background(), "k", strings.NewReader("x"), "")
	assert.Error(t, err)
}

func TestLocalStore_Delete(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Put(ctx, "profiles/1/pic.png", strings.NewReader("data"), "image/png")
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, "profiles/1/pic.png"))
	_, err = os.Stat(filepath.Join(dir, "profiles", "1", "pic.png"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.NoError(t, l.Delete(ctx, "profiles/1/pic.png"))
	assert.ErrorIs(t, l.Delete(ctx, "../outside"), ErrInvalidKey)
}

func TestS3Store_Delete(t *testing.T) {
	fake := &fakeS3{}
	s := newS3Store(fake, S3Config{Bucket: "avatars", Region: "eu-west-1"})

	require.NoError(t, s.Delete(context.Background(), "profiles/1/a.png"))
	assert.Equal(t, "avatars", aws.ToString(fake.deleted.Bucket))
	assert.Equal(t, "profiles/1/a.png", aws.ToString(fake.deleted.Key))

	fake.err = errors.New("boom")
	assert.Error(t, s.Delete(context.Background(), "profiles/1/a.png"))
	assert.ErrorIs(t, s.Delete(context.Background(), ""), ErrInvalidKey)
}
