package storage

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-tryon-client/modules/common/config"
	"quel-tryon-client/modules/common/model"
)

type logRecorder struct{ formats []string }

func (l *logRecorder) InsertDownloadLog(ctx context.Context, jobID, format string) error {
	l.formats = append(l.formats, jobID+":"+format)
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20))))
	return buf.Bytes()
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server, *logRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logs := &logRecorder{}
	cfg := &config.Config{
		SupabaseURL:           srv.URL,
		SupabaseServiceKey:    "service-key",
		SupabaseStorageBucket: "generated-images",
		SignedURLTTLSeconds:   600,
	}
	return NewClient(cfg, logs, nil, zerolog.Nop()), srv, logs
}

func TestObjectPath(t *testing.T) {
	c, srv, _ := newTestClient(t, http.NotFoundHandler())

	cases := []struct {
		asset string
		path  string
		ok    bool
	}{
		{srv.URL + "/storage/v1/object/public/generated-images/user-1/a.jpg", "user-1/a.jpg", true},
		{srv.URL + "/storage/v1/object/authenticated/generated-images/b.png", "b.png", true},
		{srv.URL + "/storage/v1/object/public/other-bucket/a.jpg", "", false},
		{"user-1/c.webp", "user-1/c.webp", true},
		{"https://cdn.example.com/result.jpg", "", false},
	}
	for _, tc := range cases {
		p, ok := c.objectPath(tc.asset)
		assert.Equal(t, tc.ok, ok, tc.asset)
		assert.Equal(t, tc.path, p, tc.asset)
	}
}

func TestGetDownloadInfo(t *testing.T) {
	c, _, _ := newTestClient(t, http.NotFoundHandler())

	info, err := c.GetDownloadInfo(&model.GenerationJob{
		ID: "j1", Kind: model.KindClassic, Status: model.StatusCompleted, ResultAsset: "https://x/result.png?v=2",
	})
	require.NoError(t, err)
	assert.Equal(t, "tryon-classic-j1.png", info.FileName)
	assert.Equal(t, "image/png", info.ContentType)

	_, err = c.GetDownloadInfo(&model.GenerationJob{ID: "j2"})
	assert.ErrorIs(t, err, model.ErrNoResultAsset)
}

func TestGetDownloadURL(t *testing.T) {
	var signedPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/storage/v1/object/sign/", func(w http.ResponseWriter, r *http.Request) {
		signedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signedURL":"/object/sign/generated-images/user-1/a.jpg?token=abc"}`))
	})
	c, srv, _ := newTestClient(t, mux)
	ctx := context.Background()

	external := &model.GenerationJob{ID: "j", ResultAsset: "https://cdn.example.com/result.jpg"}
	u, err := c.GetDownloadURL(ctx, external)
	require.NoError(t, err)
	assert.Equal(t, external.ResultAsset, u)

	inBucket := &model.GenerationJob{ID: "j", ResultAsset: srv.URL + "/storage/v1/object/public/generated-images/user-1/a.jpg"}
	u, err = c.GetDownloadURL(ctx, inBucket)
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/sign/generated-images/user-1/a.jpg", signedPath)
	assert.True(t, strings.HasPrefix(u, srv.URL+"/storage/v1/object/sign/"), u)
	assert.Contains(t, u, "token=abc")
}

func TestExport(t *testing.T) {
	img := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/assets/result.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	})
	c, srv, logs := newTestClient(t, mux)
	ctx := context.Background()
	job := &model.GenerationJob{ID: "j", Kind: model.KindClassic, Status: model.StatusCompleted, ResultAsset: srv.URL + "/assets/result.png"}

	original, err := c.Export(ctx, job, model.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, img, original.Data)
	assert.Equal(t, "image/png", original.ContentType)

	webp, err := c.Export(ctx, job, model.ExportOptions{Format: "webp", MaxWidth: 20, Quality: 75})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", webp.ContentType)
	assert.Equal(t, "tryon-classic-j.webp", webp.FileName)
	assert.Equal(t, "RIFF", string(webp.Data[:4]))

	require.NoError(t, c.LogDownload(ctx, job, "webp"))
	assert.Equal(t, []string{"j:webp"}, logs.formats)

	missing := &model.GenerationJob{ID: "m", Kind: model.KindClassic, ResultAsset: srv.URL + "/assets/missing.png"}
	_, err = c.Export(ctx, missing, model.ExportOptions{})
	assert.Error(t, err)
}

func TestDefaultPermission(t *testing.T) {
	c, _, _ := newTestClient(t, http.NotFoundHandler())
	ok, err := c.CheckPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
