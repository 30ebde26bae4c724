package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"paperdeck-desktop/internal/api"
	"paperdeck-desktop/internal/crypto"
	"paperdeck-desktop/internal/database"
	"paperdeck-desktop/internal/models"
	"paperdeck-desktop/internal/push"
	"paperdeck-desktop/internal/reconcile"
)

// Service submits document jobs to the processing server and keeps their
// progress reconciled for the frontend. All progress flows through the
// reconciliation engine: the websocket event stream and the fallback poll
// both feed it, and the engine's callbacks are the single source of truth
// for what the UI sees.
type Service struct {
	ctx      context.Context
	log      *zap.SugaredLogger
	client   *api.Client
	engine   *reconcile.Engine
	listener *push.Listener

	taskStore map[string]*JobProgress
	taskMu    sync.RWMutex
}

// NewService creates a jobs service bound to one server profile. The API
// token is decrypted here and never leaves this package.
func NewService(ctx context.Context, profile *models.ServerProfile, engineCfg reconcile.Config, log *zap.SugaredLogger) (*Service, error) {
	token, err := crypto.DecryptToken(profile.APITokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt API token: %w", err)
	}

	s := &Service{
		ctx:       ctx,
		log:       log,
		client:    api.NewClient(profile.BaseURL, token),
		taskStore: make(map[string]*JobProgress),
	}

	s.engine = reconcile.NewEngine(engineCfg, s.client, reconcile.Callbacks{
		OnProgress: s.onProgress,
		OnFinished: s.onFinished,
	}, log)

	eventsURL := profile.EventsURL
	if eventsURL == "" {
		eventsURL = deriveEventsURL(profile.BaseURL)
	}
	s.listener = push.NewListener(eventsURL, token, s.engine.Apply, log)

	return s, nil
}

// Start connects the push listener. Fallback polling starts per task when
// a job is submitted.
func (s *Service) Start() {
	s.listener.Start()
}

// Stop disconnects the event stream and stops all engine timers.
func (s *Service) Stop() {
	s.listener.Stop()
	s.engine.Close()
}

// StartIngest submits a file ingestion job and begins tracking it
func (s *Service) StartIngest(req IngestRequest) (string, error) {
	if req.FilePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	taskID, err := s.client.SubmitJob("api/ingest", req)
	if err != nil {
		return "", err
	}
	return taskID, s.track(taskID, "ingest", fmt.Sprintf("Ingesting %s...", req.FilePath))
}

// StartDownload submits a PDF download job and begins tracking it
func (s *Service) StartDownload(req DownloadRequest) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("url is required")
	}
	taskID, err := s.client.SubmitJob("api/downloads", req)
	if err != nil {
		return "", err
	}
	title := s.client.ResolveSourceTitle(req.URL)
	return taskID, s.track(taskID, "download", fmt.Sprintf("Downloading %s...", title))
}

// StartScrape submits a scrape job and begins tracking it
func (s *Service) StartScrape(req ScrapeRequest) (string, error) {
	if req.StartURL == "" {
		return "", fmt.Errorf("start_url is required")
	}
	taskID, err := s.client.SubmitJob("api/scrape", req)
	if err != nil {
		return "", err
	}
	return taskID, s.track(taskID, "scrape", fmt.Sprintf("Scraping %s...", req.StartURL))
}

// GetJobProgress retrieves the current progress of a job as a detached
// copy, so callers never race the engine callbacks mutating the live
// record. Falls back to the database for jobs from earlier sessions.
func (s *Service) GetJobProgress(taskID string) (*JobProgress, error) {
	s.taskMu.RLock()
	live, exists := s.taskStore[taskID]
	var snapshot JobProgress
	if exists {
		snapshot = *live
		snapshot.Messages = append([]string(nil), live.Messages...)
	}
	s.taskMu.RUnlock()

	if exists {
		return &snapshot, nil
	}

	// Try to load from database
	db := database.GetDB()
	var taskProgress models.TaskProgress
	if err := db.Where("id = ?", taskID).First(&taskProgress).Error; err != nil {
		return nil, fmt.Errorf("task not found: %w", err)
	}

	progress := &JobProgress{
		TaskID:    taskProgress.ID,
		TaskType:  taskProgress.TaskType,
		Status:    taskProgress.Status,
		Progress:  taskProgress.Progress,
		Messages:  s.unmarshalMessages(taskProgress.Messages),
		ETAMillis: -1,
		StartedAt: taskProgress.CreatedAt.Format(time.RFC3339),
	}
	if taskProgress.Results != "" {
		var stats map[string]interface{}
		if err := json.Unmarshal([]byte(taskProgress.Results), &stats); err == nil {
			progress.Stats = stats
		}
	}

	return progress, nil
}

// ListJobHistory returns recent jobs, newest first
func (s *Service) ListJobHistory(limit int) ([]models.TaskProgress, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.TaskProgress
	db := database.GetDB()
	if err := db.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	return rows, nil
}

// CancelJob asks the backend to cancel the job and resolves it locally.
// The local cancellation does not wait for the backend: even if the
// cancel request is lost, the job resolves here exactly once.
func (s *Service) CancelJob(taskID string) error {
	if err := s.client.CancelTask(taskID); err != nil {
		s.log.Warnw("backend cancel request failed, resolving locally anyway",
			"task_id", taskID, "error", err)
	}
	s.engine.Cancel(taskID)
	return nil
}

// track registers a freshly submitted job with the engine and persists
// the initial record.
func (s *Service) track(taskID, taskType, initialMsg string) error {
	progress := &JobProgress{
		TaskID:    taskID,
		TaskType:  taskType,
		Status:    "starting",
		Progress:  0,
		Messages:  []string{initialMsg},
		ETAMillis: -1,
		StartedAt: time.Now().Format(time.RFC3339),
	}

	s.taskMu.Lock()
	s.taskStore[taskID] = progress
	s.taskMu.Unlock()

	taskProgress := &models.TaskProgress{
		ID:       taskID,
		TaskType: taskType,
		Status:   "starting",
		Progress: 0,
		Messages: s.marshalMessages(progress.Messages),
	}
	db := database.GetDB()
	if err := db.Create(taskProgress).Error; err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}

	if err := s.engine.Track(taskID); err != nil {
		return err
	}

	s.emit(taskID, progress)
	s.log.Infow("job submitted", "task_id", taskID, "task_type", taskType)
	return nil
}

// onProgress is the engine's per-signal callback
func (s *Service) onProgress(taskID string, progress float64, message string, stats map[string]interface{}, etaMillis int64) {
	var snapshot *JobProgress

	s.taskMu.Lock()
	if p, exists := s.taskStore[taskID]; exists {
		p.Status = "running"
		p.Progress = progress
		p.ETAMillis = etaMillis
		if stats != nil {
			p.Stats = stats
		}
		if message != "" {
			p.Messages = append(p.Messages, message)
		}
		snapshot = p
	}
	s.taskMu.Unlock()

	if snapshot == nil {
		return
	}

	s.persist(taskID, snapshot)
	s.emit(taskID, snapshot)
}

// onFinished is the engine's terminal callback; it fires exactly once per
// job.
func (s *Service) onFinished(taskID string, outcome reconcile.Outcome, stats map[string]interface{}) {
	status := string(outcome)
	var snapshot *JobProgress

	s.taskMu.Lock()
	if p, exists := s.taskStore[taskID]; exists {
		p.Status = status
		if outcome == reconcile.OutcomeCompleted {
			p.Progress = 100
		}
		p.ETAMillis = -1
		if stats != nil {
			p.Stats = stats
		}
		p.CompletedAt = time.Now().Format(time.RFC3339)
		p.Messages = append(p.Messages, finalMessage(outcome))
		snapshot = p
	}
	s.taskMu.Unlock()

	if snapshot == nil {
		return
	}

	s.persist(taskID, snapshot)
	s.emit(taskID, snapshot)
	runtime.EventsEmit(s.ctx, fmt.Sprintf("task:%s:done", taskID), map[string]interface{}{
		"task_id": taskID,
		"outcome": status,
		"stats":   stats,
	})

	s.engine.Release(taskID)
	s.log.Infow("job finished", "task_id", taskID, "outcome", status)
}

// persist writes the current progress snapshot to the database
func (s *Service) persist(taskID string, p *JobProgress) {
	db := database.GetDB()
	var taskProgress models.TaskProgress
	if err := db.Where("id = ?", taskID).First(&taskProgress).Error; err != nil {
		return
	}
	taskProgress.Status = p.Status
	taskProgress.Progress = p.Progress
	taskProgress.Messages = s.marshalMessages(p.Messages)
	if p.Stats != nil {
		if data, err := json.Marshal(p.Stats); err == nil {
			taskProgress.Results = string(data)
		}
	}
	db.Save(&taskProgress)
}

// emit pushes the progress snapshot to the frontend
func (s *Service) emit(taskID string, p *JobProgress) {
	runtime.EventsEmit(s.ctx, fmt.Sprintf("task:%s", taskID), map[string]interface{}{
		"task_id":   taskID,
		"task_type": p.TaskType,
		"status":    p.Status,
		"progress":  p.Progress,
		"eta_ms":    p.ETAMillis,
		"stats":     p.Stats,
		"messages":  p.Messages,
	})
}

func finalMessage(outcome reconcile.Outcome) string {
	switch outcome {
	case reconcile.OutcomeCompleted:
		return "Job completed"
	case reconcile.OutcomeFailed:
		return "Job failed"
	case reconcile.OutcomeCancelled:
		return "Job cancelled"
	default:
		return "Job outcome unknown: the server stopped answering status checks"
	}
}

// marshalMessages converts a string slice to JSON
func (s *Service) marshalMessages(messages []string) string {
	data, _ := json.Marshal(messages)
	return string(data)
}

// unmarshalMessages converts JSON to a string slice
func (s *Service) unmarshalMessages(messagesJSON string) []string {
	if messagesJSON == "" {
		return []string{}
	}
	var messages []string
	json.Unmarshal([]byte(messagesJSON), &messages)
	return messages
}

// deriveEventsURL maps the HTTP base URL onto the websocket event stream
// endpoint when the profile does not name one explicitly.
func deriveEventsURL(baseURL string) string {
	ws := baseURL
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/api/events"
}
