package jobs

// JobProgress is the frontend-facing view of a tracked backend job
type JobProgress struct {
	TaskID      string                 `json:"task_id"`
	TaskType    string                 `json:"task_type"` // "ingest", "download", "scrape"
	Status      string                 `json:"status"`    // "starting", "running", "completed", "failed", "cancelled", "unknown"
	Progress    float64                `json:"progress"`  // 0-100
	Messages    []string               `json:"messages"`
	Stats       map[string]interface{} `json:"stats,omitempty"`
	ETAMillis   int64                  `json:"eta_ms"` // -1 when no estimate is available
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

// IngestRequest submits a local or already-uploaded file for ingestion
type IngestRequest struct {
	FilePath   string   `json:"file_path"`
	Collection string   `json:"collection"`
	Tags       []string `json:"tags,omitempty"`
}

// DownloadRequest submits a PDF download job
type DownloadRequest struct {
	URL        string `json:"url"`
	Format     string `json:"format,omitempty"` // "pdf" (default), "html"
	Collection string `json:"collection"`
}

// ScrapeRequest submits a site scrape job
type ScrapeRequest struct {
	StartURL   string `json:"start_url"`
	MaxDepth   int    `json:"max_depth,omitempty"`
	SameDomain bool   `json:"same_domain"`
	Collection string `json:"collection"`
}
