package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitJob(t *testing.T) {
	t.Run("Should return the task id from the submission response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/api/ingest", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"task_id":"abc-123"}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		taskID, err := client.SubmitJob("api/ingest", map[string]string{"file_path": "/tmp/a.pdf"})
		require.NoError(t, err)
		assert.Equal(t, "abc-123", taskID)
	})

	t.Run("Should fall back to the id field", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"def-456"}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		taskID, err := client.SubmitJob("api/ingest", nil)
		require.NoError(t, err)
		assert.Equal(t, "def-456", taskID)
	})

	t.Run("Should fail when the response carries no task id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"accepted":true}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		_, err := client.SubmitJob("api/ingest", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no task id")
	})

	t.Run("Should surface a rejection with the response body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":"unsupported format"}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		_, err := client.SubmitJob("api/ingest", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 422")
		assert.Contains(t, err.Error(), "unsupported format")
	})
}

func TestFetchStatus(t *testing.T) {
	t.Run("Should walk the endpoint candidates until one answers", func(t *testing.T) {
		var hits []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, r.URL.Path)
			if r.URL.Path != "/api/status/task-1" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, `{"task_id":"task-1","status":"running","progress":50}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		body, err := client.FetchStatus("task-1")
		require.NoError(t, err)
		assert.Contains(t, string(body), `"task_id":"task-1"`)
		assert.Equal(t, []string{"/api/tasks/task-1/status", "/api/tasks/task-1", "/api/status/task-1"}, hits)
	})

	t.Run("Should stop at the first candidate that answers", func(t *testing.T) {
		var count int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&count, 1)
			fmt.Fprint(w, `{"task_id":"task-2","status":"running","progress":10}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		_, err := client.FetchStatus("task-2")
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	})

	t.Run("Should fail when every candidate misses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		_, err := client.FetchStatus("task-3")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all status endpoints failed")
	})
}

func TestCancelTask(t *testing.T) {
	t.Run("Should treat success and already-gone responses as cancelled", func(t *testing.T) {
		for _, code := range []int{200, 404, 409} {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/tasks/task-1/cancel", r.URL.Path)
				w.WriteHeader(code)
			}))

			client := NewClient(server.URL, "test-token")
			assert.NoError(t, client.CancelTask("task-1"), "status %d", code)
			server.Close()
		}
	})

	t.Run("Should report a refused cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		err := client.CancelTask("task-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 403")
	})
}

func TestResolveSourceTitle(t *testing.T) {
	t.Run("Should resolve once and serve repeats from the cache", func(t *testing.T) {
		var count int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&count, 1)
			assert.Equal(t, "https://example.org/paper.pdf", r.URL.Query().Get("url"))
			fmt.Fprint(w, `{"title":"A Paper"}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		assert.Equal(t, "A Paper", client.ResolveSourceTitle("https://example.org/paper.pdf"))
		assert.Equal(t, "A Paper", client.ResolveSourceTitle("https://example.org/paper.pdf"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	})

	t.Run("Should fall back to the URL when resolution fails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		assert.Equal(t, "https://example.org/x", client.ResolveSourceTitle("https://example.org/x"))
	})

	t.Run("Should fall back to displayName when title is missing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"displayName":"Fallback Name"}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, "test-token")
		assert.Equal(t, "Fallback Name", client.ResolveSourceTitle("https://example.org/y"))
	})
}

func TestBuildURL(t *testing.T) {
	t.Run("Should join base and endpoint regardless of slashes", func(t *testing.T) {
		client := NewClient("https://server.example.org/", "token")
		assert.Equal(t, "https://server.example.org/api/health", client.buildURL("/api/health"))
		assert.Equal(t, "https://server.example.org/api/health", client.buildURL("api/health"))
	})
}
