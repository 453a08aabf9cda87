package models

import "time"

// HostStats is a point-in-time reading of the encoding host.
type HostStats struct {
	// CPU usage percentage (0.0 to 100.0)
	CPUPercent float64 `json:"cpu_usage_percent"`

	RAMPercent     float64 `json:"ram_usage_percent"`
	RAMAvailableGB float64 `json:"ram_available_gb"`

	// Set when CPU > 80% or RAM > 90%; encoding still proceeds.
	IsBusy bool `json:"is_busy"`
}

// HostInfo is reported once per session.
type HostInfo struct {
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform"`
	CPUModel     string   `json:"cpu_model"`
	TotalThreads int      `json:"total_threads"`
	Capabilities []string `json:"capabilities"` // e.g. ["hevc_nvenc", "av1_nvenc", "hevc_cuvid"]
}

// Job statuses carried in JobResultPayload.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusSkipped   = "SKIPPED"
)

// JobResultPayload is posted to the notify URL after each output variant.
type JobResultPayload struct {
	JobID    string `json:"job_id,omitempty"`
	Input    string `json:"input"`
	Output   string `json:"output"`
	Variant  string `json:"variant"` // "watermarked", "plain"
	Status   string `json:"status"`
	Encoder  string `json:"encoder,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	ErrorMsg string `json:"error_message,omitempty"`
	Metrics  struct {
		TotalTimeMS   int64 `json:"total_time_ms"`
		VideoBitrate  int64 `json:"video_bitrate_bps"`
		MaxRate       int64 `json:"maxrate_bps"`
		BufferSize    int64 `json:"bufsize"`
		SizeConverged bool  `json:"size_converged"`
	} `json:"metrics"`
}

// BatchSummaryPayload is posted once when the run ends.
type BatchSummaryPayload struct {
	SessionID string    `json:"session_id"`
	Host      HostInfo  `json:"host"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Files     int       `json:"files"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
}
