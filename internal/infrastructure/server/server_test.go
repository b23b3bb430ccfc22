package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/config"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/memfs"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, env.ID) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var console bytes.Buffer
	k := kernel.New(kernel.Config{MaxEnvs: 8, Pages: 64, Console: &console})
	t.Cleanup(k.Close)

	id, err := k.Start("sleeper", func(p *kernel.Proc) {
		_ = p.PageAlloc(0, mem.UTEMP, mem.PTE_P|mem.PTE_U|mem.PTE_W)
		_ = p.IPCRecv(mem.UTOP)
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx))

	fs := memfs.New(k.Allocator())
	require.NoError(t, fs.Create("/etc/motd", []byte("hi")))

	return New(cfg, k, fs, logging.Nop(), true), id
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestEndpoints(t *testing.T) {
	s, id := newTestServer(t, config.ServerConfig{})

	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode(t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["envs"])
	assert.NotEmpty(t, health["kernel"])

	w = get(t, s, "/envs")
	require.Equal(t, http.StatusOK, w.Code)
	envs := decode(t, w)
	assert.Equal(t, float64(1), envs["count"])

	w = get(t, s, "/envs/"+id.String())
	require.Equal(t, http.StatusOK, w.Code)
	var info env.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "not-runnable", info.State)
	assert.True(t, info.IPC.Recving)
	assert.Equal(t, 1, info.Pages)

	w = get(t, s, "/pages")
	require.Equal(t, http.StatusOK, w.Code)
	var pages mem.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pages))
	assert.Equal(t, 63, pages.Total)
	assert.Equal(t, 2, pages.Used)

	w = get(t, s, "/files")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = get(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Envs     int            `json:"envs"`
		ByStatus map[string]int `json:"byStatus"`
		Pages    mem.Stats      `json:"pages"`
		Counters map[string]any `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Envs)
	assert.Equal(t, map[string]int{"not-runnable": 1}, stats.ByStatus)
	assert.Equal(t, 2, stats.Pages.Used)
	assert.Equal(t, float64(1), stats.Counters["dispatches"])

	w = get(t, s, "/envs/"+id.String()+"/pages")
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Pages []kernel.Mapping `json:"pages"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, mem.UTEMP, listing.Pages[0].VA)
	assert.Equal(t, 1, listing.Pages[0].Refs)
	assert.NotEmpty(t, listing.Pages[0].Perm)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exokern_dispatches_total 1")
	assert.Contains(t, w.Body.String(), `exokern_status_requests_total{method="GET",path="/stats",status="200"} 1`)
}

func TestGetEnvErrors(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})

	tests := []struct {
		path string
		want int
	}{
		{"/envs/zz", http.StatusBadRequest},
		{"/envs/0", http.StatusBadRequest},
		{"/envs/00002001", http.StatusNotFound},
		{"/envs/ffffffff", http.StatusNotFound},
		{"/envs/zz/pages", http.StatusBadRequest},
		{"/envs/00002001/pages", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, s, tt.path)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, decode(t, w), "error")
		})
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{RateLimit: 1, Burst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, s, "/health").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{CORSOrigins: []string{"http://dash.test"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dash.test")
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://dash.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://elsewhere.test")
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAddr(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Host: "127.0.0.1", Port: "8070"})
	assert.Equal(t, "127.0.0.1:8070", s.Addr())
}
