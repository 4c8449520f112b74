package models

import "time"

// SessionResponse is returned when a session is opened
type SessionResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id"`
	ExpiresIn string    `json:"expires_in"`
	CreatedAt time.Time `json:"created_at"`
}

// URLAdmissionRequest admits remote images by URL
type URLAdmissionRequest struct {
	URLs []string `json:"urls"`
}

// SelectRequest sets the selection flag on every item
type SelectRequest struct {
	Selected bool `json:"selected"`
}

// RunRequest carries the per-run compression options. Zero values fall back to configured defaults.
type RunRequest struct {
	Quality      float64 `json:"quality"`
	MaxWidth     int     `json:"max_width"`
	MaxHeight    int     `json:"max_height"`
	OutputFormat string  `json:"output_format"`
}

// AutoProcessRequest toggles automatic runs on admission. The embedded
// options apply to those runs; zero values fall back to configured defaults.
type AutoProcessRequest struct {
	Enabled bool `json:"enabled"`
	RunRequest
}

// AutoProcessResponse reports the auto-process state after a toggle
type AutoProcessResponse struct {
	Success bool `json:"success"`
	Enabled bool `json:"enabled"`
	Started bool `json:"started"` // a run began for items already pending
}

// ItemResponse is the public view of one queue item
type ItemResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	MediaType   string          `json:"media_type"`
	Size        int64           `json:"size_bytes"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Selected    bool            `json:"selected"`
	Error       string          `json:"error,omitempty"`
	PreviewURL  string          `json:"preview_url,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	Result      *ResultResponse `json:"result,omitempty"`
	AddedAt     time.Time       `json:"added_at"`
}

// ResultResponse describes a compressed output
type ResultResponse struct {
	Name             string  `json:"name"`
	MediaType        string  `json:"media_type"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	OriginalSize     int64   `json:"original_size_bytes"`
	CompressedSize   int64   `json:"compressed_size_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	Enlarged         bool    `json:"enlarged"`
}

// Rejection names a file that was not admitted
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// AdmissionResponse reports what an admission request did
type AdmissionResponse struct {
	Success     bool           `json:"success"`
	Added       []ItemResponse `json:"added"`
	Invalid     []Rejection    `json:"invalid,omitempty"`
	OverQuota   []Rejection    `json:"over_quota,omitempty"`
	Remaining   int            `json:"remaining"` // -1 when unlimited
	AutoStarted bool           `json:"auto_started,omitempty"`
}

// ItemsResponse lists the queue in insertion order
type ItemsResponse struct {
	Success bool           `json:"success"`
	Items   []ItemResponse `json:"items"`
}

// CountResponse reports how many items an operation touched
type CountResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// SelectionResponse reports an item's selection flag after a toggle
type SelectionResponse struct {
	Success  bool   `json:"success"`
	ID       string `json:"id"`
	Selected bool   `json:"selected"`
}

// RunResponse reports a started or finished run
type RunResponse struct {
	Success    bool   `json:"success"`
	Started    bool   `json:"started"`
	Finished   bool   `json:"finished"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Dropped    int    `json:"dropped"`
	Enlarged   int    `json:"enlarged"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Canceled   bool   `json:"canceled,omitempty"`
}

// StatsResponse is the queue-level status view
type StatsResponse struct {
	Success      bool    `json:"success"`
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Processing   int     `json:"processing"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Selected     int     `json:"selected"`
	Progress     float64 `json:"progress"`
	IsProcessing bool    `json:"is_processing"`
	Admitted     int     `json:"admitted"`
	Remaining    int     `json:"remaining"` // -1 when unlimited
}

// SummaryResponse totals the completed results
type SummaryResponse struct {
	Success         bool    `json:"success"`
	Completed       int     `json:"completed"`
	OriginalBytes   int64   `json:"original_bytes"`
	CompressedBytes int64   `json:"compressed_bytes"`
	SavedBytes      int64   `json:"saved_bytes"`
	SavedPercent    float64 `json:"saved_percent"`
	Original        string  `json:"original"`
	Compressed      string  `json:"compressed"`
	Saved           string  `json:"saved"`
	Text            string  `json:"text"`
}

// ExportedFile is one result written to the sink
type ExportedFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ExportResponse reports a sink export
type ExportResponse struct {
	Success  bool           `json:"success"`
	Exported int            `json:"exported"`
	Failed   int            `json:"failed"`
	Files    []ExportedFile `json:"files"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
	WorkerPool map[string]any `json:"worker_pool"`
	BufferPool map[string]any `json:"buffer_pool"`
	Codec      map[string]any `json:"codec"`
	Sessions   map[string]any `json:"sessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
