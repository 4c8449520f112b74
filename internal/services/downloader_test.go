package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor/internal/pool"
)

func TestDownloaderFetch(t *testing.T) {
	img := pngBytes(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photos/cat.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(img)
		case "/raw/blob":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(img)
		case "/empty":
		case "/big":
			_, _ = w.Write(make([]byte, 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewDownloader(pool.NewBufferPool(1, 512), 1024, time.Second)
	ctx := context.Background()

	src, err := d.Fetch(ctx, srv.URL+"/photos/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "cat.png", src.Name)
	assert.Equal(t, "image/png", src.MediaType)
	assert.Equal(t, img, src.Data)

	src, err = d.Fetch(ctx, srv.URL+"/raw/blob")
	require.NoError(t, err)
	assert.Equal(t, "image/png", src.MediaType)
	assert.Equal(t, "blob.png", src.Name)

	for _, p := range []string{"/empty", "/big", "/missing"} {
		_, err := d.Fetch(ctx, srv.URL+p)
		assert.ErrorIs(t, err, ErrInvalidInput, p)
	}

	_, err = d.Fetch(ctx, "ftp://example.com/a.png")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
