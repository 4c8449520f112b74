package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"image-compressor/internal/pool"
)

// OutputFormat selects the encoder used for the compressed image.
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
)

// Default bounds applied when options leave them unset.
const (
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
)

// ParseOutputFormat accepts jpeg/jpg/png/webp (any case); empty means jpeg.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// MediaType returns the MIME type written by this format.
func (f OutputFormat) MediaType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Extension returns the file extension without the leading dot.
func (f OutputFormat) Extension() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	default:
		return "jpg"
	}
}

// CompressionOptions are the per-run re-encode parameters.
type CompressionOptions struct {
	Quality      float64      // (0,1]
	MaxWidth     int          // 0 means DefaultMaxWidth
	MaxHeight    int          // 0 means DefaultMaxHeight
	OutputFormat OutputFormat // empty means jpeg
}

// WithDefaults fills unset bounds and format.
func (o CompressionOptions) WithDefaults() CompressionOptions {
	if o.MaxWidth == 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MaxHeight == 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	if o.OutputFormat == "" {
		o.OutputFormat = FormatJPEG
	}
	return o
}

// Validate checks the options after defaults have been applied.
func (o CompressionOptions) Validate() error {
	if math.IsNaN(o.Quality) || o.Quality <= 0 || o.Quality > 1 {
		return fmt.Errorf("quality must be in (0,1], got %v", o.Quality)
	}
	if o.MaxWidth < 0 || o.MaxHeight < 0 {
		return fmt.Errorf("max dimensions must not be negative, got %dx%d", o.MaxWidth, o.MaxHeight)
	}
	if _, err := ParseOutputFormat(string(o.OutputFormat)); err != nil {
		return err
	}
	return nil
}

// Source is an admitted blob: name, declared media type and bytes.
type Source struct {
	Name      string
	MediaType string
	Data      []byte
}

// Size returns the byte length of the blob.
func (s Source) Size() int64 {
	return int64(len(s.Data))
}

// IsImage reports whether the declared media type is an image type.
// An undeclared type is sniffed from the content.
func (s Source) IsImage() bool {
	mediaType := s.MediaType
	if mediaType == "" {
		mediaType = DetectMediaType(s.Data)
	}
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}

// DetectMediaType sniffs the MIME type from content.
func DetectMediaType(data []byte) string {
	return mimetype.Detect(data).String()
}

// CompressedOutput is the re-encoded blob plus size metrics.
type CompressedOutput struct {
	Data             []byte
	Name             string
	MediaType        string
	Width            int
	Height           int
	SourceWidth      int
	SourceHeight     int
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64 // percent saved; negative when re-encoding enlarged the file
}

// Enlarged reports whether the output is bigger than the source.
func (o *CompressedOutput) Enlarged() bool {
	return o.CompressedSize > o.OriginalSize
}

// CompressionRatio returns (original-compressed)/original*100.
func CompressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) / float64(original) * 100
}

// FitDimensions scales w×h down uniformly so it fits in maxW×maxH.
// It never scales up; non-positive bounds leave that axis unconstrained.
func FitDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}
	nw := max(int(math.Round(float64(w)*scale)), 1)
	nh := max(int(math.Round(float64(h)*scale)), 1)
	if maxW > 0 {
		nw = min(nw, maxW)
	}
	if maxH > 0 {
		nh = min(nh, maxH)
	}
	return nw, nh
}

// CompressedName inserts "_compressed" before the extension and swaps the
// extension for the output format: photo.png -> photo_compressed.jpg.
func CompressedName(name string, format OutputFormat) string {
	if name == "" {
		name = "image"
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return base + "_compressed." + format.Extension()
}

// ImageCompressor decodes, downscales and re-encodes images.
// It is stateless per call apart from counters.
type ImageCompressor struct {
	bufferPool *pool.BufferPool
	mu         sync.RWMutex
	stats      ImageStats
}

// ImageStats tracks conversion metrics
type ImageStats struct {
	TotalConversions  int64
	FailedConversions int64
	BytesIn           int64
	BytesOut          int64
	AvgConversionTime time.Duration
}

// NewImageCompressor creates a compressor; bufferPool may be nil.
func NewImageCompressor(bufferPool *pool.BufferPool) *ImageCompressor {
	return &ImageCompressor{bufferPool: bufferPool}
}

// Compress re-encodes src according to opts.
func (ic *ImageCompressor) Compress(ctx context.Context, src Source, opts CompressionOptions) (*CompressedOutput, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, ic.fail(codecErr("compress", ErrCompressionFailed, src.Name, err))
	}

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, ic.fail(codecErr("validate", ErrInvalidInput, src.Name, err))
	}
	if !src.IsImage() {
		return nil, ic.fail(codecErr("validate", ErrInvalidInput, src.Name,
			fmt.Errorf("media type %q is not an image", src.MediaType)))
	}
	if len(src.Data) == 0 {
		return nil, ic.fail(codecErr("validate", ErrInvalidInput, src.Name, fmt.Errorf("empty input data")))
	}

	img, err := imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ic.fail(codecErr("decode", ErrDecode, src.Name, err))
	}

	bounds := img.Bounds()
	width, height := FitDimensions(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	if width != bounds.Dx() || height != bounds.Dy() {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	var buf *bytes.Buffer
	if ic.bufferPool != nil {
		buf = ic.bufferPool.Get()
		defer ic.bufferPool.Put(buf)
	} else {
		buf = new(bytes.Buffer)
	}

	if err := encode(buf, img, opts); err != nil {
		return nil, ic.fail(codecErr("encode", ErrEncode, src.Name, err))
	}
	if buf.Len() == 0 {
		return nil, ic.fail(codecErr("encode", ErrEncode, src.Name, fmt.Errorf("encoder produced no output")))
	}

	out := &CompressedOutput{
		Data:           bytes.Clone(buf.Bytes()),
		Name:           CompressedName(src.Name, opts.OutputFormat),
		MediaType:      opts.OutputFormat.MediaType(),
		Width:          width,
		Height:         height,
		SourceWidth:    bounds.Dx(),
		SourceHeight:   bounds.Dy(),
		OriginalSize:   src.Size(),
		CompressedSize: int64(buf.Len()),
	}
	out.CompressionRatio = CompressionRatio(out.OriginalSize, out.CompressedSize)

	ic.recordSuccess(time.Since(start), out.OriginalSize, out.CompressedSize)
	return out, nil
}

func encode(w io.Writer, img image.Image, opts CompressionOptions) error {
	quality := int(math.Round(opts.Quality * 100))
	quality = min(max(quality, 1), 100)

	switch opts.OutputFormat {
	case FormatPNG:
		// PNG is lossless; quality has no effect, as in browser encoders.
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Quality: quality})
	default:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
}

func (ic *ImageCompressor) recordSuccess(duration time.Duration, in, out int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.stats.TotalConversions++
	ic.stats.BytesIn += in
	ic.stats.BytesOut += out
	ic.stats.AvgConversionTime = (ic.stats.AvgConversionTime*time.Duration(ic.stats.TotalConversions-1) + duration) / time.Duration(ic.stats.TotalConversions)
}

func (ic *ImageCompressor) fail(err *CodecError) error {
	ic.mu.Lock()
	ic.stats.FailedConversions++
	ic.mu.Unlock()
	return err
}

// GetStats returns current statistics
func (ic *ImageCompressor) GetStats() ImageStats {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.stats
}
