package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/xengine/internal/api"
	"github.com/phrazzld/xengine/internal/config"
	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/phrazzld/xengine/internal/task"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "debug", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			URL:    "file:" + filepath.Join(dir, "journal.db") + "?_pragma=busy_timeout(5000)",
		},
		Auth: config.AuthConfig{JWTSecret: testSecret, TokenLifetime: time.Hour},
		Tasks: config.TaskConfig{
			MaxRetries:     1,
			RetryBaseDelay: 10 * time.Millisecond,
			RetryMaxDelay:  50 * time.Millisecond,
			EventBuffer:    64,
		},
		Storage: config.StorageConfig{
			Base:     dir,
			RootName: "xengine",
			TmpDir:   "tmp",
			PhotoDir: "photo",
		},
		Download: config.DownloadConfig{
			UserAgent:    "xengine-test",
			Timeout:      5 * time.Second,
			MaxRedirects: 2,
		},
	}
}

func newTestApp(t *testing.T) (*application, *logger.TestLogBuffer) {
	t.Helper()
	buf, log := logger.SetupTestLogger(t)
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)

	app, err := newApplication(context.Background(), testConfig(t), log, level)
	require.NoError(t, err)
	return app, buf
}

func authHeader(t *testing.T, app *application) string {
	t.Helper()
	token, err := app.jwtService.GenerateToken(context.Background(), "tester")
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, auth string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewApplication(t *testing.T) {
	app, buf := newTestApp(t)
	defer app.cleanup(context.Background())

	assert.NotNil(t, app.db)
	assert.NotNil(t, app.journal)
	assert.NotNil(t, app.manager)
	assert.Len(t, app.manager.Listeners(), 2)
	assert.Equal(t, "xengine", app.files.RootName())
	logger.AssertLogContains(t, buf, "application initialized")
}

func TestNewApplication_InvalidDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, log := logger.SetupTestLogger(t)

	_, err := newApplication(context.Background(), cfg, log, new(slog.LevelVar))
	require.Error(t, err)
}

func TestNewApplication_ShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, log := logger.SetupTestLogger(t)

	_, err := newApplication(context.Background(), cfg, log, new(slog.LevelVar))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT")
}

func TestRouter_HealthAndAuth(t *testing.T) {
	app, _ := newTestApp(t)
	defer app.cleanup(context.Background())
	srv := httptest.NewServer(app.setupRouter())
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/tasks", "Bearer not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/tasks", authHeader(t, app), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.TaskListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list.Tasks)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 80, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRouter_DownloadLifecycle(t *testing.T) {
	payload := testPNG(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	app, _ := newTestApp(t)
	defer app.cleanup(context.Background())
	srv := httptest.NewServer(app.setupRouter())
	defer srv.Close()
	auth := authHeader(t, app)

	resp := doRequest(t, srv, http.MethodPost, "/api/tasks/downloads", auth, api.CreateDownloadRequest{
		URL:   origin.URL + "/pictures/cat.png",
		Start: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created api.TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		resp := doRequest(t, srv, http.MethodGet, "/api/tasks/"+created.ID+"/events", auth, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var events api.EventListResponse
		if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
			return false
		}
		for _, e := range events.Events {
			if e.Kind == task.EventComplete {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := app.manager.Get(created.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	resp = doRequest(t, srv, http.MethodGet, "/api/tasks/"+created.ID, auth, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/photos/cat.png?size=small", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), 40)
	assert.Positive(t, img.Bounds().Dx())

	resp = doRequest(t, srv, http.MethodGet, "/api/photos/missing.png", auth, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_CreateDownloadValidation(t *testing.T) {
	app, _ := newTestApp(t)
	defer app.cleanup(context.Background())
	srv := httptest.NewServer(app.setupRouter())
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodPost, "/api/tasks/downloads", authHeader(t, app), api.CreateDownloadRequest{
		URL: "not a url",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReload(t *testing.T) {
	app, buf := newTestApp(t)
	defer app.cleanup(context.Background())

	next := *app.config
	next.Server.LogLevel = "error"
	next.Tasks.MaxRetries = 5
	next.Download.RateLimit = 1024
	app.reload(&next)

	assert.Equal(t, slog.LevelError, app.level.Level())
	logger.AssertLogContains(t, buf, "configuration applied")
}

func TestServe_GracefulShutdown(t *testing.T) {
	app, buf := newTestApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, strings.Contains(buf.String(), "application shutdown completed"))
}
