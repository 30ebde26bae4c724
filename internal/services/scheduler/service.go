package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paperdeck-desktop/internal/services/jobs"
)

// JobRunnerInterface defines the interface for jobs service integration
type JobRunnerInterface interface {
	StartScrape(req jobs.ScrapeRequest) (string, error)
	StartDownload(req jobs.DownloadRequest) (string, error)
	GetJobProgress(taskID string) (*jobs.JobProgress, error)
}

// Service handles scheduled job management and execution
type Service struct {
	db        *gorm.DB
	ctx       context.Context
	log       *zap.SugaredLogger
	cron      *cron.Cron
	jobs      map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu    sync.RWMutex
	jobRunner JobRunnerInterface
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context, jobRunner JobRunnerInterface, log *zap.SugaredLogger) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:        db,
		ctx:       ctx,
		log:       log,
		cron:      c,
		jobs:      make(map[string]cron.EntryID),
		jobRunner: jobRunner,
	}
}

// Start initializes the scheduler and loads enabled jobs from database
func (s *Service) Start() error {
	s.log.Info("Starting scheduler...")

	// Auto-migrate ScheduledJob table
	if err := s.db.AutoMigrate(&ScheduledJob{}); err != nil {
		return fmt.Errorf("failed to migrate scheduled_jobs table: %w", err)
	}

	// Start the cron scheduler
	s.cron.Start()

	// Load all enabled jobs from database
	var scheduled []ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&scheduled).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for _, job := range scheduled {
		if err := s.scheduleJob(&job); err != nil {
			s.log.Warnw("failed to schedule job", "name", job.Name, "id", job.ID, "error", err)
		} else {
			s.log.Infow("scheduled job", "name", job.Name, "id", job.ID, "cron", job.Cron)
		}
	}

	s.log.Infow("scheduler started", "enabled_jobs", len(scheduled))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.log.Info("Scheduler stopped")
	}
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var scheduled []ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&scheduled).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(scheduled))
	for i, job := range scheduled {
		responses[i] = s.toJobListResponse(&job)
	}

	return responses, nil
}

// UpsertJob creates or updates a scheduled job
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	// Validate required fields
	if req.Name == "" || req.JobType == "" || req.Cron == "" {
		return "", fmt.Errorf("name, job_type, and cron are required")
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}
	req.Cron = normalizedCron

	// Find or create job
	var job ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			// Create new job
			job = ScheduledJob{
				ID:   uuid.New().String(),
				Name: req.Name,
			}
		} else {
			return "", fmt.Errorf("failed to query job: %w", result.Error)
		}
	}

	// Update job fields
	job.JobType = req.JobType
	job.Cron = req.Cron
	job.Timezone = req.Timezone
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Enabled = req.Enabled

	// Handle payload
	payloadStr := ""
	if req.Payload != nil {
		switch p := req.Payload.(type) {
		case string:
			payloadStr = p
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return "", fmt.Errorf("failed to marshal payload: %w", err)
			}
			payloadStr = string(data)
		}
	}
	job.Payload = payloadStr

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	job.NextRunAt = &nextRun

	// Save to database
	if result.Error == gorm.ErrRecordNotFound {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	// Reschedule in cron
	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job
func (s *Service) DeleteJob(jobID string) error {
	// Remove from cron if exists
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
	s.jobsMu.Unlock()

	// Delete from database
	if err := s.db.Delete(&ScheduledJob{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	// Remove existing entry if present
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[job.ID]; exists {
		s.cron.Remove(entryID)
	}
	s.jobsMu.Unlock()

	// Add job to cron
	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.executeJob(job.ID)
	})

	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = entryID
	s.jobsMu.Unlock()

	return nil
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	var job ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Job was deleted, remove from cron
			s.jobsMu.Lock()
			if entryID, exists := s.jobs[jobID]; exists {
				s.cron.Remove(entryID)
				delete(s.jobs, jobID)
			}
			s.jobsMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	return s.scheduleJob(&job)
}

// executeJob runs a scheduled job
func (s *Service) executeJob(jobID string) {
	s.log.Infow("executing scheduled job", "id", jobID)

	// Load job from database
	var job ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		s.log.Errorw("failed to load job", "id", jobID, "error", err)
		return
	}

	// Update last run time
	now := time.Now()
	job.LastRunAt = &now

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		s.log.Warnw("failed to parse cron for next run", "id", jobID, "error", err)
	} else {
		nextRun := schedule.Next(now)
		job.NextRunAt = &nextRun
	}

	if err := s.db.Save(&job).Error; err != nil {
		s.log.Warnw("failed to update job run times", "id", jobID, "error", err)
	}

	// Parse payload
	var payload map[string]interface{}
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			s.log.Errorw("failed to parse job payload", "id", jobID, "error", err)
			return
		}
	}

	// Execute based on job type
	switch job.JobType {
	case "scrape":
		s.runScrapeJob(payload)
	case "download":
		s.runDownloadJob(payload)
	default:
		s.log.Warnw("unknown job type", "job_type", job.JobType)
	}

	s.log.Infow("completed scheduled job", "id", jobID)
}

// runScrapeJob executes a scheduled scrape job
func (s *Service) runScrapeJob(payload map[string]interface{}) {
	startURL, _ := payload["start_url"].(string)
	collection, _ := payload["collection"].(string)

	if startURL == "" {
		s.log.Warn("Incomplete scrape job payload: start_url is required")
		return
	}

	req := jobs.ScrapeRequest{
		StartURL:   startURL,
		Collection: collection,
		SameDomain: true, // Default: stay on the start domain
	}

	if depth, ok := payload["max_depth"].(float64); ok {
		req.MaxDepth = int(depth)
	}
	if sameDomain, ok := payload["same_domain"].(bool); ok {
		req.SameDomain = sameDomain
	}

	taskID, err := s.jobRunner.StartScrape(req)
	if err != nil {
		s.log.Errorw("failed to start scheduled scrape", "start_url", startURL, "error", err)
		return
	}

	s.log.Infow("scheduled scrape started", "task_id", taskID, "start_url", startURL)
	go s.monitorJob(taskID, "scrape")
}

// runDownloadJob executes a scheduled download job
func (s *Service) runDownloadJob(payload map[string]interface{}) {
	url, _ := payload["url"].(string)
	collection, _ := payload["collection"].(string)

	if url == "" {
		s.log.Warn("Incomplete download job payload: url is required")
		return
	}

	req := jobs.DownloadRequest{
		URL:        url,
		Collection: collection,
	}
	if format, ok := payload["format"].(string); ok {
		req.Format = format
	}

	taskID, err := s.jobRunner.StartDownload(req)
	if err != nil {
		s.log.Errorw("failed to start scheduled download", "url", url, "error", err)
		return
	}

	s.log.Infow("scheduled download started", "task_id", taskID, "url", url)
	go s.monitorJob(taskID, "download")
}

// monitorJob follows a started job until it resolves, so scheduled runs
// leave a completion trace in the log even with no frontend attached.
func (s *Service) monitorJob(taskID, jobType string) {
	timeout := time.After(30 * time.Minute)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			s.log.Warnw("scheduled job monitoring timed out", "task_id", taskID, "job_type", jobType)
			return
		case <-ticker.C:
			progress, err := s.jobRunner.GetJobProgress(taskID)
			if err != nil {
				s.log.Errorw("failed to get scheduled job progress", "task_id", taskID, "error", err)
				return
			}
			if progress == nil {
				s.log.Warnw("scheduled job progress is nil, stopping monitoring", "task_id", taskID)
				return
			}

			switch progress.Status {
			case "completed":
				s.log.Infow("scheduled job completed", "task_id", taskID, "job_type", jobType)
				return
			case "failed", "cancelled", "unknown":
				s.log.Warnw("scheduled job did not complete",
					"task_id", taskID, "job_type", jobType, "status", progress.Status)
				return
			}
		}
	}
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	// Trim whitespace
	cronExpr = strings.TrimSpace(cronExpr)

	// Check if it's already 6-field
	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		// Already 6-field, try to validate it
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err == nil {
			return cronExpr, nil // Valid 6-field expression
		}
	}

	// Assume 5-field, validate and convert
	if len(fields) == 5 {
		// Validate as standard 5-field cron
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func (s *Service) toJobListResponse(job *ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		JobType:   job.JobType,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		Enabled:   job.Enabled,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
