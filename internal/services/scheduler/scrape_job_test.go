package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"paperdeck-desktop/internal/services/jobs"
)

// mockJobRunner for testing scheduled scrape and download jobs
type mockJobRunner struct {
	startScrapeCalled   bool
	startScrapeReq      jobs.ScrapeRequest
	startDownloadCalled bool
	startDownloadReq    jobs.DownloadRequest
	startTaskID         string
	startErr            error
	getProgressCalled   bool
	getProgressResult   *jobs.JobProgress
}

func (m *mockJobRunner) StartScrape(req jobs.ScrapeRequest) (string, error) {
	m.startScrapeCalled = true
	m.startScrapeReq = req
	if m.startErr != nil {
		return "", m.startErr
	}
	return m.startTaskID, nil
}

func (m *mockJobRunner) StartDownload(req jobs.DownloadRequest) (string, error) {
	m.startDownloadCalled = true
	m.startDownloadReq = req
	if m.startErr != nil {
		return "", m.startErr
	}
	return m.startTaskID, nil
}

func (m *mockJobRunner) GetJobProgress(taskID string) (*jobs.JobProgress, error) {
	m.getProgressCalled = true
	return m.getProgressResult, nil
}

// TestScrapeJobExecution tests that scheduled scrape jobs actually submit scrapes
func TestScrapeJobExecution(t *testing.T) {
	t.Run("Should call job runner with correct parameters", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		mock := &mockJobRunner{
			startTaskID: "test-task-123",
			getProgressResult: &jobs.JobProgress{
				TaskID:   "test-task-123",
				Status:   "completed",
				Progress: 100,
			},
		}

		service := &Service{
			db:        db,
			ctx:       context.Background(),
			log:       zap.NewNop().Sugar(),
			jobRunner: mock,
		}

		payload := map[string]interface{}{
			"start_url":   "https://example.org/papers",
			"collection":  "papers",
			"max_depth":   2.0,
			"same_domain": false,
		}

		service.runScrapeJob(payload)
		time.Sleep(100 * time.Millisecond)

		assert.True(t, mock.startScrapeCalled, "StartScrape should be called")

		req := mock.startScrapeReq
		assert.Equal(t, "https://example.org/papers", req.StartURL)
		assert.Equal(t, "papers", req.Collection)
		assert.Equal(t, 2, req.MaxDepth)
		assert.False(t, req.SameDomain)
	})

	t.Run("Should default to staying on the start domain", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		mock := &mockJobRunner{startTaskID: "test-task-456"}
		service := &Service{
			db:        db,
			ctx:       context.Background(),
			log:       zap.NewNop().Sugar(),
			jobRunner: mock,
		}

		payload := map[string]interface{}{
			"start_url": "https://example.org/papers",
		}

		service.runScrapeJob(payload)
		time.Sleep(100 * time.Millisecond)

		assert.True(t, mock.startScrapeCalled)
		assert.True(t, mock.startScrapeReq.SameDomain, "Should default same_domain to true")
		assert.Zero(t, mock.startScrapeReq.MaxDepth)
	})

	t.Run("Should skip job with incomplete payload", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		mock := &mockJobRunner{}
		service := &Service{
			db:        db,
			ctx:       context.Background(),
			log:       zap.NewNop().Sugar(),
			jobRunner: mock,
		}

		// Missing start_url
		payload := map[string]interface{}{
			"collection": "papers",
		}

		service.runScrapeJob(payload)
		time.Sleep(100 * time.Millisecond)

		assert.False(t, mock.startScrapeCalled, "Should not call StartScrape with incomplete payload")
	})
}

// TestDownloadJobExecution tests scheduled download jobs
func TestDownloadJobExecution(t *testing.T) {
	t.Run("Should call job runner with correct parameters", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		mock := &mockJobRunner{startTaskID: "test-task-789"}
		service := &Service{
			db:        db,
			ctx:       context.Background(),
			log:       zap.NewNop().Sugar(),
			jobRunner: mock,
		}

		payload := map[string]interface{}{
			"url":        "https://example.org/report.pdf",
			"format":     "pdf",
			"collection": "reports",
		}

		service.runDownloadJob(payload)
		time.Sleep(100 * time.Millisecond)

		assert.True(t, mock.startDownloadCalled, "StartDownload should be called")

		req := mock.startDownloadReq
		assert.Equal(t, "https://example.org/report.pdf", req.URL)
		assert.Equal(t, "pdf", req.Format)
		assert.Equal(t, "reports", req.Collection)
	})

	t.Run("Should skip job without url", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		mock := &mockJobRunner{}
		service := &Service{
			db:        db,
			ctx:       context.Background(),
			log:       zap.NewNop().Sugar(),
			jobRunner: mock,
		}

		service.runDownloadJob(map[string]interface{}{"collection": "reports"})
		time.Sleep(100 * time.Millisecond)

		assert.False(t, mock.startDownloadCalled)
	})
}
