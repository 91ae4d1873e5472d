package remotewhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/whisperrec/internal/asr"
)

// newTestClient creates a Client pointing at the given test server with fast
// retry settings suitable for tests (no hardcoded sleeps).
func newTestClient(ts *httptest.Server) *Client {
	c := NewClient(Config{
		BaseURL:        ts.URL,
		TimeoutSeconds: 5,
		Retries:        3,
		Model:          "small",
	})
	c.backoffBase = time.Millisecond
	return c
}

func createTempAudio(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "test-audio-*.wav")
	require.NoError(t, err)
	_, _ = f.WriteString("fake-audio-data")
	f.Close()
	return f.Name()
}

func validTranscribeResponse() string {
	return `{
		"segments": [
			{"start": 0.0, "end": 5.2, "text": "Hello world", "language": "en", "score": 0.95},
			{"start": 5.2, "end": 10.0, "text": "How are you", "language": "en", "score": 0.88}
		],
		"language": "en",
		"duration": 120.5,
		"model": "small"
	}`
}

func TestTranscribeFile_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transcribe", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		if !assert.NoError(t, r.ParseMultipartForm(10<<20)) {
			return
		}
		assert.Equal(t, "small", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "true", r.FormValue("timestamps"))

		file, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			defer file.Close()
			assert.NotEmpty(t, header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	result, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{
		Language:   "en",
		Model:      "small",
		Timestamps: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "remote_whisper_api", result.Backend)
	assert.Equal(t, "en", result.Language)
	assert.Equal(t, "small", result.Model)
	require.Len(t, result.Segments, 2)

	seg := result.Segments[0]
	assert.Equal(t, "Hello world", seg.Text)
	assert.Equal(t, time.Duration(0), seg.Start)
	assert.Equal(t, time.Duration(5.2*float64(time.Second)), seg.End)
	assert.Equal(t, 0.95, seg.Score)
	assert.Equal(t, time.Duration(120.5*float64(time.Second)), result.Duration)
}

func TestTranscribeFile_RetryOn500KeepsRequestID(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	ids := map[string]bool{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		mu.Lock()
		ids[r.Header.Get("X-Request-ID")] = true
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": "temporary failure"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	result, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "remote_whisper_api", result.Backend)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, ids, 1)
}

func TestTranscribeFile_RetryOn429(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	_, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTranscribeFile_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.client.Timeout = 100 * time.Millisecond

	_, err := c.TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestTranscribeFile_ContextCancelStopsRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.backoffBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.TranscribeFile(ctx, createTempAudio(t), asr.TranscribeOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranscribeFile_NoSpeech(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"segments": [], "language": "en", "duration": 3.0}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	assert.ErrorIs(t, err, asr.ErrNoSpeech)
}

func TestTranscribeFile_FlatTextResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"text": "just text", "duration": 2.0}`)
	}))
	defer ts.Close()

	result, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "just text", asr.TextOf(result))
	assert.Equal(t, 2*time.Second, result.Segments[0].End)
}

func TestTranscribeFile_BearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token-123", r.Header.Get("Authorization"))
		_, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, validTranscribeResponse())
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL + "/", Token: "test-token-123", TimeoutSeconds: 5, Model: "small"})
	_, err := c.TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.NoError(t, err)
}

func TestTranscribeFile_Non5xxError_NoRetry(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "bad request"}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranscribeFile_OptsModelOverride(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(10 << 20)
		assert.Equal(t, "large-v2", r.FormValue("model"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(transcribeResponse{
			Text:     "override ok",
			Language: "en",
			Duration: 10.0,
			Model:    "large-v2",
		})
	}))
	defer ts.Close()

	result, err := newTestClient(ts).TranscribeFile(context.Background(), createTempAudio(t), asr.TranscribeOptions{Model: "large-v2"})
	require.NoError(t, err)
	assert.Equal(t, "large-v2", result.Model)
}

func TestTranscribeFile_FileNotFound(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost"})
	_, err := c.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "nonexistent.wav"), asr.TranscribeOptions{})
	assert.Error(t, err)
}

func TestHealthCheck_Healthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/health", r.URL.Path)
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer ts.Close()

	status, err := newTestClient(ts).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, "remote_whisper_api", status.Backend)
	assert.Equal(t, "healthy", status.Message)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": "service down"}`)
	}))
	defer ts.Close()

	status, err := newTestClient(ts).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "500")
}

func TestHealthCheck_BearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer my-secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Token: "my-secret", TimeoutSeconds: 5})
	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
}

func TestName(t *testing.T) {
	assert.Equal(t, "remote_whisper_api", NewClient(Config{BaseURL: "http://localhost"}).Name())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost/"})
	assert.Equal(t, 120, c.cfg.TimeoutSeconds)
	assert.Equal(t, 3, c.cfg.Retries)
	assert.Equal(t, "small", c.cfg.Model)
	assert.Equal(t, "http://localhost", c.cfg.BaseURL)
}

var _ asr.Backend = (*Client)(nil)
