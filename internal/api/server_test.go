package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/queue"
	"github.com/JakeFAU/crawl-worker/internal/worker"
)

type staticStatus []worker.Status

func (s staticStatus) Snapshot() []worker.Status { return s }

func serve(t *testing.T, srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, nil, Config{}, zap.NewNop())
	rec := serve(t, srv, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(t, srv, http.MethodGet, "/healthz", nil, nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	t.Parallel()

	checks := map[string]Check{
		"queue": func(context.Context) error { return errors.New("dial tcp: refused") },
		"db":    func(context.Context) error { return nil },
	}
	srv := NewServer(nil, nil, checks, Config{}, zap.NewNop())
	rec := serve(t, srv, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "dial tcp: refused")

	ready := NewServer(nil, nil, map[string]Check{"db": checks["db"]}, Config{}, zap.NewNop())
	rec = serve(t, ready, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, nil, Config{}, zap.NewNop())
	serve(t, srv, http.MethodGet, "/healthz", nil, nil)
	rec := serve(t, srv, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusIncludesWorkersAndDepth(t *testing.T) {
	t.Parallel()

	q := &queue.MockQueue{}
	q.On("Depth", mock.Anything).Return(crawler.Depth{Queued: 12, Leased: 2}, nil)
	status := staticStatus{{Worker: 0, State: worker.StateExecuting, Target: "http://example.com", Processed: 4}}

	srv := NewServer(status, q, nil, Config{SessionID: "session-1"}, zap.NewNop())
	rec := serve(t, srv, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "session-1", got.SessionID)
	require.Len(t, got.Workers, 1)
	require.Equal(t, worker.StateExecuting, got.Workers[0].State)
	require.Equal(t, &crawler.Depth{Queued: 12, Leased: 2}, got.Queue)
	q.AssertExpectations(t)
}

func TestStatusSurfacesDepthError(t *testing.T) {
	t.Parallel()

	q := &queue.MockQueue{}
	q.On("Depth", mock.Anything).Return(crawler.Depth{}, crawler.ErrQueueUnavailable)

	srv := NewServer(nil, q, nil, Config{}, zap.NewNop())
	rec := serve(t, srv, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "queue_error")
}

func TestSubmitJobs(t *testing.T) {
	t.Parallel()

	auth := map[string]string{"X-API-Key": "secret"}

	t.Run("DisabledWithoutKey", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(nil, &queue.MockQueue{}, nil, Config{}, zap.NewNop())
		rec := serve(t, srv, http.MethodPost, "/v1/jobs", []byte(`{"jobs":[{"rank":1,"site":"a.com"}]}`), auth)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("RejectsWrongKey", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(nil, &queue.MockQueue{}, nil, Config{APIKey: "secret"}, zap.NewNop())
		for _, key := range []string{"nope", "", "secre", "secret ", "secretsecret", "SECRET"} {
			rec := serve(t, srv, http.MethodPost, "/v1/jobs", []byte(`{}`), map[string]string{"X-API-Key": key})
			require.Equal(t, http.StatusForbidden, rec.Code, "key %q", key)
		}
	})

	t.Run("EnqueuesInOrder", func(t *testing.T) {
		t.Parallel()
		q := &queue.MockQueue{}
		want := [][]byte{crawler.FormatPayload(1, "a.com"), crawler.FormatPayload(2, "https://b.org")}
		q.On("Enqueue", mock.Anything, want).Return(int64(2), nil)

		srv := NewServer(nil, q, nil, Config{APIKey: "secret"}, zap.NewNop())
		body := []byte(`{"jobs":[{"rank":1,"site":"a.com"},{"rank":2,"site":" https://b.org "}]}`)
		rec := serve(t, srv, http.MethodPost, "/v1/jobs", body, auth)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.JSONEq(t, `{"enqueued":2,"queued":2}`, rec.Body.String())
		q.AssertExpectations(t)
	})

	t.Run("ValidatesBody", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(nil, &queue.MockQueue{}, nil, Config{APIKey: "secret"}, zap.NewNop())
		for _, body := range []string{`not json`, `{"jobs":[]}`, `{"jobs":[{"rank":1,"site":" "}]}`} {
			rec := serve(t, srv, http.MethodPost, "/v1/jobs", []byte(body), auth)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("EnqueueFailure", func(t *testing.T) {
		t.Parallel()
		q := &queue.MockQueue{}
		q.On("Enqueue", mock.Anything, mock.Anything).Return(int64(0), crawler.ErrQueueUnavailable)
		srv := NewServer(nil, q, nil, Config{APIKey: "secret"}, zap.NewNop())
		rec := serve(t, srv, http.MethodPost, "/v1/jobs", []byte(`{"jobs":[{"rank":1,"site":"a.com"}]}`), auth)
		require.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
