package scheduler

import "time"

// ScheduledJob represents a CRON-based scheduled job
type ScheduledJob struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	Name      string     `json:"name" gorm:"unique;not null"`
	JobType   string     `json:"job_type" gorm:"not null"` // "scrape", "download"
	Cron      string     `json:"cron" gorm:"not null"`     // CRON expression
	Timezone  string     `json:"timezone" gorm:"default:UTC"`
	Payload   string     `json:"payload" gorm:"type:text"` // JSON payload string
	Enabled   bool       `json:"enabled" gorm:"default:true"`
	LastRunAt *time.Time `json:"last_run_at"`
	NextRunAt *time.Time `json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	JobType   string  `json:"job_type"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// UpsertJobRequest represents a request to create or update a scheduled job
type UpsertJobRequest struct {
	Name     string      `json:"name"`
	JobType  string      `json:"job_type"` // "scrape" or "download"
	Cron     string      `json:"cron"`
	Timezone string      `json:"timezone"`
	Enabled  bool        `json:"enabled"`
	Payload  interface{} `json:"payload"` // Can be map or string
}

// ScrapeJobPayload represents the payload for a scheduled scrape job
type ScrapeJobPayload struct {
	StartURL   string `json:"start_url"`
	MaxDepth   int    `json:"max_depth"`
	SameDomain bool   `json:"same_domain"`
	Collection string `json:"collection"`
}

// DownloadJobPayload represents the payload for a scheduled download job
type DownloadJobPayload struct {
	URL        string `json:"url"`
	Format     string `json:"format"`
	Collection string `json:"collection"`
}
