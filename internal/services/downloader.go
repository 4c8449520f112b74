package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"image-compressor/internal/pool"
)

// Downloader fetches remote images so they can be admitted like uploads.
type Downloader struct {
	client     *http.Client
	bufferPool *pool.BufferPool
	maxSize    int64
}

// NewDownloader creates a new downloader with optimized HTTP client
func NewDownloader(bufferPool *pool.BufferPool, maxSize int64, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	return &Downloader{
		client:     client,
		bufferPool: bufferPool,
		maxSize:    maxSize,
	}
}

// Fetch downloads rawURL and returns it as a Source. The media type comes
// from the Content-Type header, falling back to content sniffing.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Source{}, codecErr("fetch", ErrInvalidInput, rawURL, fmt.Errorf("invalid URL: must be http:// or https://"))
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = u.Host
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("download failed: HTTP %d", resp.StatusCode))
	}
	if resp.ContentLength > d.maxSize {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("file too large: %d bytes (max: %d)", resp.ContentLength, d.maxSize))
	}

	var buf *bytes.Buffer
	if d.bufferPool != nil {
		buf = d.bufferPool.Get()
		defer d.bufferPool.Put(buf)
	} else {
		buf = new(bytes.Buffer)
	}

	// Read one byte past the limit to detect oversize bodies without Content-Length.
	n, err := io.Copy(buf, io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("read failed: %w", err))
	}
	if n > d.maxSize {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("file too large: more than %d bytes", d.maxSize))
	}
	if n == 0 {
		return Source{}, codecErr("fetch", ErrInvalidInput, name, fmt.Errorf("downloaded file is empty"))
	}

	data := bytes.Clone(buf.Bytes())
	mediaType := ""
	if header := resp.Header.Get("Content-Type"); header != "" {
		if parsed, _, err := mime.ParseMediaType(header); err == nil && parsed != "application/octet-stream" {
			mediaType = parsed
		}
	}
	if mediaType == "" {
		mediaType = DetectMediaType(data)
	}
	if !strings.Contains(name, ".") {
		if ext := mediaExtension(mediaType); ext != "" {
			name += "." + ext
		}
	}

	return Source{Name: name, MediaType: mediaType, Data: data}, nil
}

func mediaExtension(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return ""
}
