package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/zip"

	"image-compressor/internal/cache"
	"image-compressor/internal/models"
	"image-compressor/internal/pool"
	"image-compressor/internal/preview"
	"image-compressor/internal/privilege"
	"image-compressor/internal/queue"
	"image-compressor/internal/services"
	"image-compressor/internal/sink"
)

// Fetcher downloads a remote image. *services.Downloader implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (services.Source, error)
}

// Options carries the collaborators of a CompressionHandler. Fetcher, Sink,
// Compressor and the pools may be nil; the endpoints that need them then
// answer 503 or omit their statistics.
type Options struct {
	Sessions       *cache.SessionCache
	Oracle         privilege.Oracle
	Fetcher        Fetcher
	Sink           sink.Sink
	Compressor     *services.ImageCompressor
	WorkerPool     *pool.WorkerPool
	BufferPool     *pool.BufferPool
	Defaults       services.CompressionOptions
	MaxFileSize    int64 // bounds live previews of files outside any queue; 0 means no limit
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// CompressionHandler serves the per-session queue over HTTP
type CompressionHandler struct {
	sessions       *cache.SessionCache
	oracle         privilege.Oracle
	fetcher        Fetcher
	sink           sink.Sink
	compressor     *services.ImageCompressor
	workerPool     *pool.WorkerPool
	bufferPool     *pool.BufferPool
	defaults       services.CompressionOptions
	maxFileSize    int64
	requestTimeout time.Duration
	logger         *slog.Logger

	// background runs outlive their request but not the server
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewCompressionHandler creates a new compression handler
func NewCompressionHandler(opts Options) *CompressionHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Oracle == nil {
		opts.Oracle = privilege.NewStaticOracle(nil)
	}
	if opts.Defaults.Quality == 0 {
		opts.Defaults.Quality = 0.8
	}
	opts.Defaults = opts.Defaults.WithDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	return &CompressionHandler{
		sessions:       opts.Sessions,
		oracle:         opts.Oracle,
		fetcher:        opts.Fetcher,
		sink:           opts.Sink,
		compressor:     opts.Compressor,
		workerPool:     opts.WorkerPool,
		bufferPool:     opts.BufferPool,
		defaults:       opts.Defaults,
		maxFileSize:    opts.MaxFileSize,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		runCtx:         runCtx,
		cancelRun:      cancel,
	}
}

// Shutdown cancels background runs. Groups already started finish; later groups stay pending.
func (h *CompressionHandler) Shutdown() {
	h.cancelRun()
}

// Routes registers the session endpoints under api.
func (h *CompressionHandler) Routes(api fiber.Router) {
	api.Post("/sessions", h.CreateSession)
	api.Delete("/sessions/:sessionID", h.DeleteSession)
	api.Post("/compress/preview", h.CompressPreview)

	s := api.Group("/sessions/:sessionID")
	s.Post("/items", h.withSession(h.AddFiles))
	s.Post("/items/url", h.withSession(h.AddURLs))
	s.Get("/items", h.withSession(h.ListItems))
	s.Delete("/items", h.withSession(h.Clear))
	s.Delete("/items/:itemID", h.withSession(h.RemoveItem))
	s.Post("/items/:itemID/select", h.withSession(h.ToggleSelected))
	s.Get("/items/:itemID/preview", h.withSession(h.Preview))
	s.Post("/items/:itemID/preview/compressed", h.withSession(h.PreviewCompressed))
	s.Get("/items/:itemID/download", h.withSession(h.DownloadItem))
	s.Post("/select", h.withSession(h.SelectAll))
	s.Delete("/selected", h.withSession(h.RemoveSelected))
	s.Get("/download", h.withSession(h.DownloadArchive))
	s.Post("/export", h.withSession(h.Export))
	s.Post("/run", h.withSession(h.Run))
	s.Post("/retry", h.withSession(h.Retry))
	s.Put("/auto-process", h.withSession(h.SetAutoProcess))
	s.Get("/stats", h.withSession(h.Stats))
	s.Get("/summary", h.withSession(h.Summary))
}

type sessionHandler func(c fiber.Ctx, s *cache.Session) error

func (h *CompressionHandler) withSession(fn sessionHandler) fiber.Handler {
	return func(c fiber.Ctx) error {
		s, ok := h.sessions.Get(c.Params("sessionID"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
				Success: false,
				Error:   "Session not found",
				Details: "sessions expire after a period of inactivity; open a new one with POST /api/sessions",
			})
		}
		return fn(c, s)
	}
}

// CreateSession handles POST /api/sessions
func (h *CompressionHandler) CreateSession(c fiber.Ctx) error {
	s := h.sessions.Create()
	h.logger.Info("✅ session created", "session", s.ID)
	return c.Status(fiber.StatusCreated).JSON(models.SessionResponse{
		Success:   true,
		SessionID: s.ID,
		ExpiresIn: h.sessions.GetStats().TTL.String(),
		CreatedAt: s.CreatedAt,
	})
}

// DeleteSession handles DELETE /api/sessions/:sessionID
func (h *CompressionHandler) DeleteSession(c fiber.Ctx) error {
	h.sessions.Delete(c.Params("sessionID"))
	return c.SendStatus(fiber.StatusNoContent)
}

// AddFiles handles POST /api/sessions/:sessionID/items (multipart field "files")
func (h *CompressionHandler) AddFiles(c fiber.Ctx, s *cache.Session) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Invalid multipart form",
			Details: err.Error(),
		})
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "files is required",
		})
	}

	candidates := make([]services.Source, 0, len(headers))
	for _, fh := range headers {
		src, err := readPart(fh)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
				Success: false,
				Error:   fmt.Sprintf("Failed to read %s", fh.Filename),
				Details: err.Error(),
			})
		}
		candidates = append(candidates, src)
	}

	return h.admit(c, s, candidates, nil, h.privileged(c))
}

func readPart(fh *multipart.FileHeader) (services.Source, error) {
	f, err := fh.Open()
	if err != nil {
		return services.Source{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return services.Source{}, err
	}
	mediaType := fh.Header.Get(fiber.HeaderContentType)
	if mediaType == "" || mediaType == fiber.MIMEOctetStream {
		mediaType = services.DetectMediaType(data)
	}
	return services.Source{Name: path.Base(fh.Filename), MediaType: mediaType, Data: data}, nil
}

// AddURLs handles POST /api/sessions/:sessionID/items/url
func (h *CompressionHandler) AddURLs(c fiber.Ctx, s *cache.Session) error {
	if h.fetcher == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Success: false,
			Error:   "URL admission is not configured",
		})
	}

	var req models.URLAdmissionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Invalid request body",
			Details: err.Error(),
		})
	}
	if len(req.URLs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "urls is required",
		})
	}

	privileged := h.privileged(c)
	// Skip the downloads when nothing could be admitted anyway.
	if s.Store.Remaining(privileged) == 0 {
		return h.quotaExceeded(c, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	var candidates []services.Source
	var failed []models.Rejection
	for _, u := range req.URLs {
		src, err := h.fetcher.Fetch(ctx, u)
		if err != nil {
			h.logger.Warn("⚠️  fetch failed", "url", truncateURL(u), "error", err)
			failed = append(failed, models.Rejection{Name: u, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, src)
	}

	return h.admit(c, s, candidates, failed, privileged)
}

func (h *CompressionHandler) admit(c fiber.Ctx, s *cache.Session, candidates []services.Source, invalid []models.Rejection, privileged bool) error {
	adm, err := s.Store.Add(candidates, privileged)
	if err != nil {
		if errors.Is(err, queue.ErrQuotaExceeded) {
			return h.quotaExceeded(c, s)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Failed to queue files",
			Details: err.Error(),
		})
	}

	resp := models.AdmissionResponse{
		Success:   len(adm.Added) > 0,
		Added:     make([]models.ItemResponse, 0, len(adm.Added)),
		Invalid:   invalid,
		OverQuota: rejections(adm.OverQuota),
		Remaining: adm.Remaining,
	}
	resp.Invalid = append(resp.Invalid, rejections(adm.Invalid)...)
	for _, item := range adm.Added {
		resp.Added = append(resp.Added, itemResponse(s.ID, item))
	}

	if len(adm.Added) > 0 {
		h.logger.Info("📥 files queued",
			"session", s.ID,
			"added", len(adm.Added),
			"invalid", len(resp.Invalid),
			"over_quota", len(resp.OverQuota),
			"privileged", privileged)
	}

	status := fiber.StatusCreated
	if len(adm.Added) == 0 {
		status = fiber.StatusBadRequest
	} else {
		resp.AutoStarted = h.autoRun(s)
	}
	return c.Status(status).JSON(resp)
}

func (h *CompressionHandler) quotaExceeded(c fiber.Ctx, s *cache.Session) error {
	err := &queue.QuotaExceededError{Limit: s.Store.FreeLimit(), Used: s.Store.Admitted()}
	return c.Status(fiber.StatusForbidden).JSON(models.ErrorResponse{
		Success: false,
		Error:   "Upload limit reached",
		Details: err.Error(),
	})
}

// privileged asks the oracle about the bearer token. An unreachable oracle
// means free tier for this request.
func (h *CompressionHandler) privileged(c fiber.Ctx) bool {
	token := privilege.BearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	ok, err := h.oracle.IsPrivileged(ctx, token)
	if err != nil {
		h.logger.Warn("⚠️  privilege check failed, treating caller as free tier", "error", err)
		return false
	}
	return ok
}

// ListItems handles GET /api/sessions/:sessionID/items
func (h *CompressionHandler) ListItems(c fiber.Ctx, s *cache.Session) error {
	items := s.Store.Items()
	resp := models.ItemsResponse{Success: true, Items: make([]models.ItemResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, itemResponse(s.ID, item))
	}
	return c.JSON(resp)
}

// Clear handles DELETE /api/sessions/:sessionID/items
func (h *CompressionHandler) Clear(c fiber.Ctx, s *cache.Session) error {
	n := s.Store.Clear()
	s.Scheduler.ResetProgress()
	return c.JSON(models.CountResponse{Success: true, Count: n})
}

// RemoveItem handles DELETE /api/sessions/:sessionID/items/:itemID
func (h *CompressionHandler) RemoveItem(c fiber.Ctx, s *cache.Session) error {
	s.Store.Remove(c.Params("itemID"))
	return c.SendStatus(fiber.StatusNoContent)
}

// ToggleSelected handles POST /api/sessions/:sessionID/items/:itemID/select
func (h *CompressionHandler) ToggleSelected(c fiber.Ctx, s *cache.Session) error {
	id := c.Params("itemID")
	selected, ok := s.Store.ToggleSelected(id)
	if !ok {
		return itemNotFound(c)
	}
	return c.JSON(models.SelectionResponse{Success: true, ID: id, Selected: selected})
}

// SelectAll handles POST /api/sessions/:sessionID/select
func (h *CompressionHandler) SelectAll(c fiber.Ctx, s *cache.Session) error {
	var req models.SelectRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Invalid request body",
			Details: err.Error(),
		})
	}
	return c.JSON(models.CountResponse{Success: true, Count: s.Store.SelectAll(req.Selected)})
}

// RemoveSelected handles DELETE /api/sessions/:sessionID/selected
func (h *CompressionHandler) RemoveSelected(c fiber.Ctx, s *cache.Session) error {
	return c.JSON(models.CountResponse{Success: true, Count: s.Store.RemoveSelected()})
}

// Preview handles GET /api/sessions/:sessionID/items/:itemID/preview
func (h *CompressionHandler) Preview(c fiber.Ctx, s *cache.Session) error {
	item, ok := s.Store.Get(c.Params("itemID"))
	if !ok || item.Preview == "" {
		return itemNotFound(c)
	}
	thumb, err := s.Previews.Render(item.Preview)
	if err != nil {
		if errors.Is(err, preview.ErrReleased) {
			return itemNotFound(c)
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Preview unavailable",
			Details: err.Error(),
		})
	}
	c.Set(fiber.HeaderContentType, preview.MediaType)
	c.Set(fiber.HeaderCacheControl, "private, max-age=300")
	return c.Send(thumb)
}

// PreviewCompressed handles POST /api/sessions/:sessionID/items/:itemID/preview/compressed?quality=0.6
//
// The item is compressed with the query options and the output returned
// as-is. The item, its status and the session quota are left untouched.
func (h *CompressionHandler) PreviewCompressed(c fiber.Ctx, s *cache.Session) error {
	item, ok := s.Store.Get(c.Params("itemID"))
	if !ok {
		return itemNotFound(c)
	}
	return h.livePreview(c, item.Source)
}

// CompressPreview handles POST /api/compress/preview?quality=0.6 (multipart field "file")
//
// Stateless counterpart of PreviewCompressed for files that are not queued.
func (h *CompressionHandler) CompressPreview(c fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "file is required",
			Details: err.Error(),
		})
	}
	if h.maxFileSize > 0 && fh.Size > h.maxFileSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(models.ErrorResponse{
			Success: false,
			Error:   "File too large",
			Details: fmt.Sprintf("%s exceeds %s", fh.Filename, queue.HumanBytes(h.maxFileSize)),
		})
	}
	src, err := readPart(fh)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   fmt.Sprintf("Failed to read %s", fh.Filename),
			Details: err.Error(),
		})
	}
	return h.livePreview(c, src)
}

func (h *CompressionHandler) livePreview(c fiber.Ctx, src services.Source) error {
	if h.compressor == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Compression is not configured",
		})
	}
	req, err := queryRunRequest(c)
	if err != nil {
		return invalidOptions(c, err)
	}
	opts, err := h.runOptions(req)
	if err != nil {
		return invalidOptions(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	out, err := h.compressor.Compress(ctx, src, opts)
	if err != nil {
		status := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, services.ErrInvalidInput):
			status = fiber.StatusBadRequest
		case errors.Is(err, services.ErrDecode):
			status = fiber.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Preview compression failed",
			Details: err.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, out.MediaType)
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("X-Original-Size", strconv.FormatInt(out.OriginalSize, 10))
	c.Set("X-Compressed-Size", strconv.FormatInt(out.CompressedSize, 10))
	c.Set("X-Compression-Ratio", strconv.FormatFloat(out.CompressionRatio, 'f', 2, 64))
	c.Set("X-Output-Width", strconv.Itoa(out.Width))
	c.Set("X-Output-Height", strconv.Itoa(out.Height))
	return c.Send(out.Data)
}

// queryRunRequest reads quality, max_width, max_height and format from the query string.
func queryRunRequest(c fiber.Ctx) (models.RunRequest, error) {
	var req models.RunRequest
	var err error
	if v := c.Query("quality"); v != "" {
		if req.Quality, err = strconv.ParseFloat(v, 64); err != nil {
			return req, fmt.Errorf("quality: %w", err)
		}
	}
	if v := c.Query("max_width"); v != "" {
		if req.MaxWidth, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("max_width: %w", err)
		}
	}
	if v := c.Query("max_height"); v != "" {
		if req.MaxHeight, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("max_height: %w", err)
		}
	}
	req.OutputFormat = c.Query("format")
	return req, nil
}

// DownloadItem handles GET /api/sessions/:sessionID/items/:itemID/download
func (h *CompressionHandler) DownloadItem(c fiber.Ctx, s *cache.Session) error {
	out, err := s.Store.Result(c.Params("itemID"))
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		return itemNotFound(c)
	case errors.Is(err, queue.ErrNotCompleted):
		return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Item has not been compressed yet",
		})
	}
	c.Attachment(out.Name)
	c.Set(fiber.HeaderContentType, out.MediaType)
	return c.Send(out.Data)
}

// DownloadArchive handles GET /api/sessions/:sessionID/download?selected=true
func (h *CompressionHandler) DownloadArchive(c fiber.Ctx, s *cache.Session) error {
	items := completedItems(s, c.Query("selected") == "true")
	if len(items) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Success: false,
			Error:   "No compressed files to download",
		})
	}

	archive, err := buildArchive(items)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Failed to build archive",
			Details: err.Error(),
		})
	}

	h.logger.Info("📦 archive built", "session", s.ID, "files", len(items), "size", queue.HumanBytes(int64(len(archive))))
	c.Attachment("compressed-images.zip")
	c.Set(fiber.HeaderContentType, "application/zip")
	return c.Send(archive)
}

// buildArchive stores results uncompressed; they are already encoded images.
func buildArchive(items []queue.Item) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make(map[string]int, len(items))
	for _, item := range items {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     uniqueName(names, item.Result.Name),
			Method:   zip.Store,
			Modified: time.Now(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(item.Result.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// uniqueName suffixes repeated names: a.jpg, a (1).jpg, a (2).jpg.
func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}

// Export handles POST /api/sessions/:sessionID/export?selected=true
func (h *CompressionHandler) Export(c fiber.Ctx, s *cache.Session) error {
	if h.sink == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Success: false,
			Error:   "No result sink configured",
		})
	}
	items := completedItems(s, c.Query("selected") == "true")
	if len(items) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Success: false,
			Error:   "No compressed files to export",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	resp := models.ExportResponse{Files: make([]models.ExportedFile, 0, len(items))}
	names := make(map[string]int, len(items))
	for _, item := range items {
		name := uniqueName(names, item.Result.Name)
		file := models.ExportedFile{ID: item.ID, Name: name}
		loc, err := h.sink.Save(ctx, name, item.Result.MediaType, item.Result.Data)
		if err != nil {
			file.Error = err.Error()
			resp.Failed++
		} else {
			file.Location = loc
			resp.Exported++
		}
		resp.Files = append(resp.Files, file)
	}
	resp.Success = resp.Failed == 0

	h.logger.Info("💾 results exported", "session", s.ID, "exported", resp.Exported, "failed", resp.Failed)
	status := fiber.StatusOK
	if resp.Exported == 0 {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(resp)
}

func completedItems(s *cache.Session, selectedOnly bool) []queue.Item {
	return s.Store.Filter(func(it queue.Item) bool {
		return it.Status == queue.StatusCompleted && (!selectedOnly || it.Selected)
	})
}

// Run handles POST /api/sessions/:sessionID/run?wait=true
func (h *CompressionHandler) Run(c fiber.Ctx, s *cache.Session) error {
	return h.startRun(c, s, "run", s.Scheduler.Start)
}

// Retry handles POST /api/sessions/:sessionID/retry?wait=true
func (h *CompressionHandler) Retry(c fiber.Ctx, s *cache.Session) error {
	return h.startRun(c, s, "retry", s.Scheduler.StartRetry)
}

type startFunc func(ctx context.Context, opts services.CompressionOptions) (*queue.Ticket, error)

// startRun claims the session's run slot before answering, so a second
// request sees 409 even if the first run has not picked up an item yet.
func (h *CompressionHandler) startRun(c fiber.Ctx, s *cache.Session, kind string, start startFunc) error {
	req, err := bindRunRequest(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Invalid request body",
			Details: err.Error(),
		})
	}
	opts, err := h.runOptions(req)
	if err != nil {
		return invalidOptions(c, err)
	}

	ticket, err := start(h.runCtx, opts)
	switch {
	case errors.Is(err, queue.ErrAlreadyRunning):
		return alreadyRunning(c)
	case errors.Is(err, services.ErrInvalidInput):
		return invalidOptions(c, err)
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Compression run failed",
			Details: err.Error(),
		})
	}

	if c.Query("wait") == "true" {
		res := <-ticket.Done
		h.afterRun(s, kind, res)
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
				Success: false,
				Error:   "Compression run failed",
				Details: res.Err.Error(),
			})
		}
		resp := runResponse(res.Summary)
		resp.Canceled = res.Err != nil
		return c.JSON(resp)
	}

	if !ticket.Started() {
		h.afterRun(s, kind, <-ticket.Done)
		return c.JSON(models.RunResponse{
			Success:  true,
			Finished: true,
			Message:  "nothing to " + kind,
		})
	}

	go func() { h.afterRun(s, kind, <-ticket.Done) }()
	return c.Status(fiber.StatusAccepted).JSON(models.RunResponse{
		Success: true,
		Started: true,
		Total:   ticket.Total,
	})
}

// afterRun logs a finished run and, with auto-process on, picks up items
// that were admitted while it was in flight.
func (h *CompressionHandler) afterRun(s *cache.Session, kind string, res queue.RunResult) {
	if res.Err != nil {
		h.logger.Warn("⚠️  run ended early", "session", s.ID, "kind", kind, "error", res.Err)
		return
	}
	if res.Summary.Total > 0 {
		h.logger.Info("✅ run finished", "session", s.ID, "kind", kind, "summary", res.Summary.Message())
	}
	if h.runCtx.Err() != nil || s.Store.Stats().Pending == 0 {
		return
	}
	h.autoRun(s)
}

// autoRun starts a background run when the session has auto-process on.
// A run already in flight is not an error: its afterRun picks the new items up.
func (h *CompressionHandler) autoRun(s *cache.Session) bool {
	opts, enabled := s.AutoProcess()
	if !enabled {
		return false
	}
	ticket, err := s.Scheduler.Start(h.runCtx, opts)
	if err != nil {
		if !errors.Is(err, queue.ErrAlreadyRunning) {
			h.logger.Warn("⚠️  auto-process run not started", "session", s.ID, "error", err)
		}
		return false
	}
	go func() { h.afterRun(s, "auto", <-ticket.Done) }()
	return ticket.Started()
}

// SetAutoProcess handles PUT /api/sessions/:sessionID/auto-process
func (h *CompressionHandler) SetAutoProcess(c fiber.Ctx, s *cache.Session) error {
	var req models.AutoProcessRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Success: false,
			Error:   "Invalid request body",
			Details: err.Error(),
		})
	}
	opts, err := h.runOptions(req.RunRequest)
	if err != nil {
		return invalidOptions(c, err)
	}
	s.SetAutoProcess(req.Enabled, opts)
	h.logger.Info("⚙️  auto-process updated", "session", s.ID, "enabled", req.Enabled)

	resp := models.AutoProcessResponse{Success: true, Enabled: req.Enabled}
	// Items already waiting are picked up right away.
	if req.Enabled && s.Store.Stats().Pending > 0 {
		resp.Started = h.autoRun(s)
	}
	return c.JSON(resp)
}

func bindRunRequest(c fiber.Ctx) (models.RunRequest, error) {
	var req models.RunRequest
	if len(c.Body()) == 0 {
		return req, nil
	}
	err := c.Bind().JSON(&req)
	return req, err
}

func (h *CompressionHandler) runOptions(req models.RunRequest) (services.CompressionOptions, error) {
	opts := h.defaults
	if req.Quality != 0 {
		opts.Quality = req.Quality
	}
	if req.MaxWidth != 0 {
		opts.MaxWidth = req.MaxWidth
	}
	if req.MaxHeight != 0 {
		opts.MaxHeight = req.MaxHeight
	}
	if req.OutputFormat != "" {
		format, err := services.ParseOutputFormat(req.OutputFormat)
		if err != nil {
			return opts, err
		}
		opts.OutputFormat = format
	}
	return opts, opts.Validate()
}

func runResponse(summary queue.Summary) models.RunResponse {
	return models.RunResponse{
		Success:    true,
		Started:    summary.Total > 0,
		Finished:   true,
		Total:      summary.Total,
		Completed:  summary.Completed,
		Failed:     summary.Failed,
		Dropped:    summary.Dropped,
		Enlarged:   summary.Enlarged,
		Message:    summary.Message(),
		DurationMs: summary.Duration.Milliseconds(),
	}
}

// Stats handles GET /api/sessions/:sessionID/stats
func (h *CompressionHandler) Stats(c fiber.Ctx, s *cache.Session) error {
	st := s.Store.Stats()
	return c.JSON(models.StatsResponse{
		Success:      true,
		Total:        st.Total,
		Pending:      st.Pending,
		Processing:   st.Processing,
		Completed:    st.Completed,
		Failed:       st.Failed,
		Selected:     st.Selected,
		Progress:     s.Scheduler.Progress(),
		IsProcessing: s.Scheduler.IsProcessing(),
		Admitted:     s.Store.Admitted(),
		Remaining:    s.Store.Remaining(h.privileged(c)),
	})
}

// Summary handles GET /api/sessions/:sessionID/summary
func (h *CompressionHandler) Summary(c fiber.Ctx, s *cache.Session) error {
	t := s.Store.Totals()
	return c.JSON(models.SummaryResponse{
		Success:         true,
		Completed:       t.Completed,
		OriginalBytes:   t.OriginalBytes,
		CompressedBytes: t.CompressedBytes,
		SavedBytes:      t.SavedBytes,
		SavedPercent:    t.SavedPercent,
		Original:        queue.HumanBytes(t.OriginalBytes),
		Compressed:      queue.HumanBytes(t.CompressedBytes),
		Saved:           queue.HumanBytes(t.SavedBytes),
		Text:            t.String(),
	})
}

// Health handles GET /api/health
func (h *CompressionHandler) Health(c fiber.Ctx) error {
	resp := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if h.workerPool != nil {
		ws := h.workerPool.GetStats()
		resp.WorkerPool = map[string]any{
			"group_size":     ws.Width,
			"active_workers": ws.ActiveWorkers,
			"total_tasks":    ws.TotalTasks,
			"failed_tasks":   ws.FailedTasks,
			"groups":         ws.Groups,
			"avg_exec_time":  ws.AvgExecTime.String(),
		}
	}
	if h.bufferPool != nil {
		bs := h.bufferPool.GetStats()
		resp.BufferPool = map[string]any{
			"allocated": bs.Allocated,
			"in_use":    bs.InUse,
			"available": bs.Available,
			"hit_rate":  fmt.Sprintf("%.2f%%", bs.HitRate),
		}
	}
	if h.compressor != nil {
		cs := h.compressor.GetStats()
		resp.Codec = map[string]any{
			"total_conversions":   cs.TotalConversions,
			"failed_conversions":  cs.FailedConversions,
			"bytes_in":            queue.HumanBytes(cs.BytesIn),
			"bytes_out":           queue.HumanBytes(cs.BytesOut),
			"avg_conversion_time": cs.AvgConversionTime.String(),
		}
	}
	ss := h.sessions.GetStats()
	resp.Sessions = map[string]any{
		"live":       ss.Sessions,
		"insertions": ss.Insertions,
		"hits":       ss.Hits,
		"misses":     ss.Misses,
		"evictions":  ss.Evictions,
		"hit_rate":   ss.HitRate,
		"ttl":        ss.TTL.String(),
	}
	return c.JSON(resp)
}

// Helper functions

func itemResponse(sessionID string, item queue.Item) models.ItemResponse {
	base := fmt.Sprintf("/api/sessions/%s/items/%s", sessionID, item.ID)
	resp := models.ItemResponse{
		ID:        item.ID,
		Name:      item.Source.Name,
		MediaType: item.Source.MediaType,
		Size:      item.Source.Size(),
		Status:    string(item.Status),
		Progress:  item.Progress,
		Selected:  item.Selected,
		Error:     item.Error,
		AddedAt:   item.AddedAt,
	}
	if item.Preview != "" {
		resp.PreviewURL = base + "/preview"
	}
	if out := item.Result; out != nil {
		resp.DownloadURL = base + "/download"
		resp.Result = &models.ResultResponse{
			Name:             out.Name,
			MediaType:        out.MediaType,
			Width:            out.Width,
			Height:           out.Height,
			OriginalSize:     out.OriginalSize,
			CompressedSize:   out.CompressedSize,
			CompressionRatio: out.CompressionRatio,
			Enlarged:         out.Enlarged(),
		}
	}
	return resp
}

func rejections(in []queue.Rejection) []models.Rejection {
	out := make([]models.Rejection, 0, len(in))
	for _, r := range in {
		out = append(out, models.Rejection{Name: r.Name, Reason: r.Reason})
	}
	return out
}

func itemNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
		Success: false,
		Error:   "Item not found",
	})
}

func invalidOptions(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Success: false,
		Error:   "Invalid compression options",
		Details: err.Error(),
	})
}

func alreadyRunning(c fiber.Ctx) error {
	return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
		Success: false,
		Error:   "Compression already in progress",
		Details: queue.ErrAlreadyRunning.Error(),
	})
}

func truncateURL(url string) string {
	if len(url) > 60 {
		return url[:57] + "..."
	}
	return url
}
