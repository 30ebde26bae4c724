package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"paperdeck-desktop/internal/api"
	"paperdeck-desktop/internal/config"
	"paperdeck-desktop/internal/crypto"
	"paperdeck-desktop/internal/database"
	"paperdeck-desktop/internal/logger"
	"paperdeck-desktop/internal/models"
	"paperdeck-desktop/internal/services/jobs"
	"paperdeck-desktop/internal/services/scheduler"
)

// App struct - main application state
type App struct {
	ctx             context.Context
	db              *gorm.DB
	cfg             *config.Config
	log             *logger.Logger
	selectedProfile *models.ServerProfile

	// Per-profile services, created when a profile is selected
	jobsService      *jobs.Service
	schedulerService *scheduler.Service
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	a.cfg = cfg

	appLog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("FATAL: Failed to build logger: %v", err)
	}
	a.log = appLog
	a.log.Info("Application starting up...")

	// Initialize encryption (FATAL if this fails - we cannot save profiles without it)
	if err := crypto.InitEncryption(); err != nil {
		a.log.Fatalf("Encryption initialization failed: %v. Profiles cannot be saved without encryption.", err)
	}

	// Initialize database
	db, err := database.Init()
	if err != nil {
		a.log.Fatalf("Failed to initialize database: %v", err)
	}
	a.db = db

	a.log.Info("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	a.log.Info("Application shutting down...")

	a.teardownProfileServices()

	if err := database.Close(); err != nil {
		a.log.Errorw("error closing database", "error", err)
	}

	a.log.Info("Shutdown complete")
}

// teardownProfileServices stops the services bound to the current profile
func (a *App) teardownProfileServices() {
	if a.schedulerService != nil {
		a.schedulerService.Stop()
		a.schedulerService = nil
	}
	if a.jobsService != nil {
		a.jobsService.Stop()
		a.jobsService = nil
	}
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Profile Management Methods

// ListProfiles returns all server profiles
func (a *App) ListProfiles() ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := a.db.Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// GetProfile retrieves a specific server profile by ID
func (a *App) GetProfile(profileID string) (*models.ServerProfile, error) {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateProfile creates a new server profile
// NOTE: Frontend should call TestConnection() before calling this method
// to validate the URL and token before saving to database
func (a *App) CreateProfile(req CreateProfileRequest) error {
	// Validate encryption is initialized
	if !crypto.IsInitialized() {
		return errors.New("encryption system not initialized - cannot save profiles")
	}

	apiTokenEnc, err := crypto.EncryptToken(req.APIToken)
	if err != nil {
		return err
	}

	profile := &models.ServerProfile{
		Name:        req.Name,
		Owner:       req.Owner,
		BaseURL:     req.BaseURL,
		EventsURL:   req.EventsURL,
		APITokenEnc: apiTokenEnc,
	}

	return a.db.Create(profile).Error
}

// UpdateProfile updates an existing server profile
func (a *App) UpdateProfile(profileID string, req CreateProfileRequest) error {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	// Update fields
	profile.Name = req.Name
	profile.Owner = req.Owner
	profile.BaseURL = req.BaseURL
	profile.EventsURL = req.EventsURL

	// Encrypt token only when a new one was provided
	if req.APIToken != "" {
		apiTokenEnc, err := crypto.EncryptToken(req.APIToken)
		if err != nil {
			return err
		}
		profile.APITokenEnc = apiTokenEnc
	}

	return a.db.Save(&profile).Error
}

// DeleteProfile deletes a server profile
func (a *App) DeleteProfile(profileID string) error {
	return a.db.Where("id = ?", profileID).Delete(&models.ServerProfile{}).Error
}

// SelectProfile sets the active profile and rebuilds the per-profile
// services (API client, event stream, job engine, scheduler) against it
func (a *App) SelectProfile(profileID string) error {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	a.teardownProfileServices()

	jobsService, err := jobs.NewService(a.ctx, &profile, a.cfg.Engine.ReconcileConfig(), a.log.SugaredLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize jobs service: %w", err)
	}
	jobsService.Start()

	schedulerService := scheduler.NewService(a.db, a.ctx, jobsService, a.log.SugaredLogger)
	if err := schedulerService.Start(); err != nil {
		a.log.Warnw("failed to start scheduler", "error", err)
	}

	a.selectedProfile = &profile
	a.jobsService = jobsService
	a.schedulerService = schedulerService
	a.log.Infow("selected profile", "name", profile.Name)
	return nil
}

// GetSelectedProfile returns the currently selected profile
func (a *App) GetSelectedProfile() (*models.ServerProfile, error) {
	if a.selectedProfile == nil {
		return nil, nil
	}
	return a.selectedProfile, nil
}

// Job Service Methods

// StartIngest submits a file ingestion job
func (a *App) StartIngest(req jobs.IngestRequest) (string, error) {
	if a.jobsService == nil {
		return "", errors.New("no profile selected")
	}
	return a.jobsService.StartIngest(req)
}

// StartDownload submits a PDF download job
func (a *App) StartDownload(req jobs.DownloadRequest) (string, error) {
	if a.jobsService == nil {
		return "", errors.New("no profile selected")
	}
	return a.jobsService.StartDownload(req)
}

// StartScrape submits a scrape job
func (a *App) StartScrape(req jobs.ScrapeRequest) (string, error) {
	if a.jobsService == nil {
		return "", errors.New("no profile selected")
	}
	return a.jobsService.StartScrape(req)
}

// GetJobProgress retrieves job progress
func (a *App) GetJobProgress(taskID string) (*jobs.JobProgress, error) {
	if a.jobsService == nil {
		return nil, errors.New("no profile selected")
	}
	return a.jobsService.GetJobProgress(taskID)
}

// CancelJob cancels a running job
func (a *App) CancelJob(taskID string) error {
	if a.jobsService == nil {
		return errors.New("no profile selected")
	}
	return a.jobsService.CancelJob(taskID)
}

// ListJobs retrieves recent job execution history
func (a *App) ListJobs(limit int) ([]JobHistoryResponse, error) {
	if limit <= 0 {
		limit = 10 // Default to 10 most recent jobs
	}

	var tasks []models.TaskProgress
	if err := a.db.Order("created_at DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, err
	}

	// Map to response format
	history := make([]JobHistoryResponse, 0, len(tasks))
	for _, task := range tasks {
		job := JobHistoryResponse{
			TaskID:    task.ID,
			JobType:   task.TaskType,
			Status:    task.Status,
			StartedAt: task.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Progress:  task.Progress,
		}

		// Set completed_at if task is finished
		if task.UpdatedAt.After(task.CreatedAt) {
			completedAt := task.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
			job.CompletedAt = &completedAt
		}

		job.Summary = generateJobSummary(&task)
		history = append(history, job)
	}

	return history, nil
}

// generateJobSummary creates a brief summary of the job result
func generateJobSummary(task *models.TaskProgress) string {
	switch task.Status {
	case "completed":
		if task.Results != "" {
			return "Completed successfully"
		}
		return "Completed"
	case "failed":
		return "Failed"
	case "cancelled":
		return "Cancelled"
	case "unknown":
		return "Outcome unknown (server stopped responding)"
	case "running":
		return fmt.Sprintf("In progress (%.0f%%)", task.Progress)
	default:
		return task.Status
	}
}

// ====================================================================================
// SCHEDULER SERVICE OPERATIONS
// ====================================================================================

// ListScheduledJobs retrieves all scheduled jobs
func (a *App) ListScheduledJobs() ([]scheduler.JobListResponse, error) {
	if a.schedulerService == nil {
		return nil, errors.New("no profile selected")
	}
	return a.schedulerService.ListJobs()
}

// UpsertScheduledJob creates or updates a scheduled job
func (a *App) UpsertScheduledJob(req scheduler.UpsertJobRequest) (string, error) {
	if a.schedulerService == nil {
		return "", errors.New("no profile selected")
	}
	return a.schedulerService.UpsertJob(req)
}

// DeleteScheduledJob removes a scheduled job
func (a *App) DeleteScheduledJob(jobID string) error {
	if a.schedulerService == nil {
		return errors.New("no profile selected")
	}
	return a.schedulerService.DeleteJob(jobID)
}

// ====================================================================================
// REQUEST/RESPONSE TYPES
// ====================================================================================

// JobHistoryResponse represents a completed job in the history
type JobHistoryResponse struct {
	TaskID      string  `json:"task_id"`
	JobType     string  `json:"job_type"`     // "ingest", "download", "scrape"
	Status      string  `json:"status"`       // "completed", "failed", "cancelled", "unknown", "running"
	StartedAt   string  `json:"started_at"`   // ISO 8601 timestamp
	CompletedAt *string `json:"completed_at"` // ISO 8601 timestamp or null
	Summary     string  `json:"summary"`      // Brief result description
	Progress    float64 `json:"progress"`     // 0-100
}

// CreateProfileRequest represents a request to create/update a server profile
type CreateProfileRequest struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	BaseURL   string `json:"base_url"`
	EventsURL string `json:"events_url"`
	APIToken  string `json:"api_token"` // Plain text, will be encrypted
}

// TestConnectionRequest represents a connection test request
type TestConnectionRequest struct {
	URL      string `json:"url"`
	APIToken string `json:"api_token"`
}

// TestConnectionResponse represents the test result
type TestConnectionResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ServerInfo string `json:"server_info,omitempty"`
}

// TestConnection tests a server connection without saving to database
func (a *App) TestConnection(req TestConnectionRequest) TestConnectionResponse {
	client := api.NewClient(req.URL, req.APIToken)

	resp, err := client.Get("api/health", nil)
	if err != nil {
		return TestConnectionResponse{
			Success: false,
			Error:   fmt.Sprintf("Connection failed: %v", err),
		}
	}

	// Check HTTP status code
	if !resp.IsSuccess() {
		var errorMsg string
		switch resp.StatusCode() {
		case 401:
			errorMsg = "Invalid API token"
		case 404:
			errorMsg = "Server not found or invalid URL"
		case 403:
			errorMsg = "Access forbidden (check token permissions)"
		default:
			errorMsg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), resp.Status())
		}
		return TestConnectionResponse{
			Success: false,
			Error:   errorMsg,
		}
	}

	// Parse server info from response
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp.Body(), &health); err == nil && health.Version != "" {
		return TestConnectionResponse{
			Success:    true,
			ServerInfo: fmt.Sprintf("paperdeck server %s", health.Version),
		}
	}

	return TestConnectionResponse{
		Success: true,
	}
}
