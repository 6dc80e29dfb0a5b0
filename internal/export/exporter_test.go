package export

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/discord_archiver/internal/storage"
)

type fakeStore struct {
	storage.DownloadReadRepository

	downloads []storage.Download
	data      map[string][]byte
	listErr   error
}

func (s *fakeStore) List(ctx context.Context, filter storage.Filter) ([]storage.Download, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []storage.Download

	for _, d := range s.downloads {
		if filter.Matches(d.Status, d.Size) {
			out = append(out, d)
		}
	}

	return out, nil
}

func (s *fakeStore) Data(ctx context.Context, normalizedURL string) (*storage.Download, []byte, error) {
	for _, d := range s.downloads {
		if d.NormalizedURL == normalizedURL && d.Status == storage.StatusSuccess {
			return &d, s.data[normalizedURL], nil
		}
	}

	return nil, nil, storage.ErrNotFound
}

func strPtr(s string) *string { return &s }

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "plain path", url: "https://cdn.discordapp.com/attachments/1/2/cat.png", want: "attachments/1/2/cat.png"},
		{name: "query before extension", url: "https://example.com/a/b.jpg?size=64&", want: "a/b_size_64.jpg"},
		{name: "query without extension", url: "https://example.com/dir.v2/file?x=1", want: "dir.v2/file_x_1"},
		{name: "unsafe characters", url: "https://example.com/a%20b/c:d.txt", want: "a_20b/c_d.txt"},
		{name: "dot segments", url: "https://example.com/../x", want: "_/x"},
		{name: "not a url", url: "local file.bin", want: "local_file.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.url))
		})
	}
}

func TestExport_CopiesSuccessfulDownloads(t *testing.T) {
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := &fakeStore{
		downloads: []storage.Download{
			{NormalizedURL: "https://cdn.discordapp.com/a/1.png", Status: storage.StatusSuccess, Type: strPtr("image/png")},
			{NormalizedURL: "https://cdn.discordapp.com/a/2.txt", Status: storage.StatusSuccess},
			{NormalizedURL: "https://cdn.discordapp.com/a/3.txt", Status: storage.Status(404)},
			{NormalizedURL: "https://cdn.discordapp.com/a/4.txt", Status: storage.StatusPending},
		},
		data: map[string][]byte{
			"https://cdn.discordapp.com/a/1.png": []byte("png bytes"),
			"https://cdn.discordapp.com/a/2.txt": []byte("hello"),
		},
	}

	result, err := NewExporter(store, bucket, WithConcurrency(2)).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Successful: 2, Failed: 0}, result)

	got, err := bucket.ReadAll(ctx, "a/1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), got)

	attrs, err := bucket.Attributes(ctx, "a/1.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", attrs.ContentType)

	exists, err := bucket.Exists(ctx, "a/3.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExport_ExistingObjectsCountAsFailed(t *testing.T) {
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(ctx, "a/1.png", []byte("older"), nil))

	store := &fakeStore{
		downloads: []storage.Download{
			{NormalizedURL: "https://cdn.discordapp.com/a/1.png", Status: storage.StatusSuccess},
			{NormalizedURL: "https://cdn.discordapp.com/a/2.png", Status: storage.StatusSuccess},
		},
		data: map[string][]byte{
			"https://cdn.discordapp.com/a/1.png": []byte("newer"),
			"https://cdn.discordapp.com/a/2.png": []byte("other"),
		},
	}

	result, err := NewExporter(store, bucket).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Successful: 1, Failed: 1}, result)

	got, err := bucket.ReadAll(ctx, "a/1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("older"), got)
}

func TestExport_ListError(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	boom := errors.New("boom")

	_, err := NewExporter(&fakeStore{listErr: boom}, bucket).Export(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestExport_Cancelled(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := &fakeStore{
		downloads: []storage.Download{{NormalizedURL: "https://example.com/a.bin", Status: storage.StatusSuccess}},
		data:      map[string][]byte{"https://example.com/a.bin": []byte("x")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExporter(store, bucket).Export(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
