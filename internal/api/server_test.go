package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/script"
	"github.com/stagehand-project/stagehand/internal/util"
)

type memArtifacts struct {
	artifacts map[string]*script.Artifact
	fail      error
}

func (m *memArtifacts) List(ctx context.Context) ([]db.ArtifactInfo, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	var out []db.ArtifactInfo
	for _, a := range m.artifacts {
		info, _ := m.Info(ctx, a.Name)
		out = append(out, info)
	}
	return out, nil
}

func (m *memArtifacts) Info(ctx context.Context, name string) (db.ArtifactInfo, error) {
	a, ok := m.artifacts[name]
	if !ok {
		return db.ArtifactInfo{}, fmt.Errorf("%w: %s", db.ErrArtifactNotFound, name)
	}
	return db.ArtifactInfo{
		Name:            a.Name,
		ProtocolVersion: a.ProtocolVersion,
		CreatedAt:       a.CreatedAt,
		Entries:         a.Catalog.Len(),
		Actions:         len(a.Script),
	}, nil
}

func (m *memArtifacts) Load(ctx context.Context, name string) (*script.Artifact, error) {
	a, ok := m.artifacts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrArtifactNotFound, name)
	}
	return a, nil
}

type fixedSessions []replay.Info

func (f fixedSessions) Active() []replay.Info { return f }

func lobbyArtifact(t *testing.T) *script.Artifact {
	t.Helper()

	raw, err := protocol.NewDefaultCodec().Encode(protocol.PacketCraftingData, protocol.Params{"data": []byte{1, 2, 3}})
	require.NoError(t, err)

	a := script.NewArtifact("lobby", protocol.DefaultVersion)
	require.NoError(t, a.Catalog.Add(script.CatalogEntry{
		ExportName: protocol.PacketPlayStatus,
		SourceName: protocol.PacketPlayStatus,
		Params:     protocol.Params{"status": int64(3)},
	}))
	require.NoError(t, a.Catalog.Add(script.CatalogEntry{
		ExportName: protocol.PacketCraftingData,
		SourceName: protocol.PacketCraftingData,
		IsBinary:   true,
		Raw:        raw,
	}))
	a.Append(
		script.Queue(protocol.PacketCraftingData),
		script.Write(protocol.PacketPlayStatus),
		script.WaitFor(protocol.PacketServerboundLoadingScreen),
	)
	return a
}

func newTestServer(t *testing.T, store ArtifactReader, sessions SessionLister) *Server {
	t.Helper()
	return NewServer(config.APIConfig{}, store, sessions, "test")
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestPing(t *testing.T) {
	s := newTestServer(t, &memArtifacts{}, nil)

	var body map[string]any
	assert.Equal(t, http.StatusOK, get(t, s, "/api/ping", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSystem(t *testing.T) {
	s := newTestServer(t, &memArtifacts{}, nil).WithDiskPath(t.TempDir())

	var body struct {
		System util.SystemInfo    `json:"system"`
		Usage  util.ResourceUsage `json:"usage"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/system", &body))
	assert.Positive(t, body.System.CPUCores)
	assert.NotEmpty(t, body.System.GoVersion)
}

func TestListArtifacts(t *testing.T) {
	store := &memArtifacts{artifacts: map[string]*script.Artifact{"lobby": lobbyArtifact(t)}}
	s := newTestServer(t, store, nil)

	var body struct {
		Artifacts []db.ArtifactInfo `json:"artifacts"`
		Count     int               `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/artifacts", &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "lobby", body.Artifacts[0].Name)
	assert.Equal(t, 3, body.Artifacts[0].Actions)

	store.fail = errors.New("disk on fire")
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/artifacts", nil))
}

func TestGetArtifact(t *testing.T) {
	store := &memArtifacts{artifacts: map[string]*script.Artifact{"lobby": lobbyArtifact(t)}}
	s := newTestServer(t, store, nil)

	var body struct {
		Catalog []entryView `json:"catalog"`
		Script  []struct {
			Index  int           `json:"index"`
			Action script.Action `json:"action"`
			Text   string        `json:"text"`
		} `json:"script"`
		Truncated bool `json:"truncated"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/artifacts/lobby?limit=2", &body))
	assert.Len(t, body.Catalog, 2)
	require.Len(t, body.Script, 2)
	assert.True(t, body.Truncated)
	assert.Equal(t, script.Write(protocol.PacketPlayStatus), body.Script[1].Action)
	assert.Equal(t, "Write(play_status)", body.Script[1].Text)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/artifacts/lobby?limit=x", nil))
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/artifacts/nope", nil))
}

func TestGetEntryDecodesBinary(t *testing.T) {
	store := &memArtifacts{artifacts: map[string]*script.Artifact{"lobby": lobbyArtifact(t)}}
	s := newTestServer(t, store, nil)

	var view struct {
		IsBinary bool           `json:"is_binary"`
		RawBytes int            `json:"raw_bytes"`
		Params   map[string]any `json:"params"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/artifacts/lobby/entries/crafting_data", &view))
	assert.True(t, view.IsBinary)
	assert.Positive(t, view.RawBytes)
	assert.Equal(t, "AQID", view.Params["data"])

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/artifacts/lobby/entries/nope", nil))
}

func TestSessions(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sessions := fixedSessions{{
		ID:        "session-1",
		Artifact:  "lobby",
		State:     events.SessionRunning,
		StartedAt: started,
		Stats:     replay.Stats{Steps: 3, Position: 1},
	}}
	s := newTestServer(t, &memArtifacts{}, sessions)

	var body map[string]any
	assert.Equal(t, http.StatusOK, get(t, s, "/api/sessions", &body))
	assert.Equal(t, float64(1), body["count"])
	first := body["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, "running", first["state"])

	empty := newTestServer(t, &memArtifacts{}, nil)
	assert.Equal(t, http.StatusOK, get(t, empty, "/api/sessions", &body))
	assert.Equal(t, float64(0), body["count"])
}

func TestUnknownAPIRoute(t *testing.T) {
	s := newTestServer(t, &memArtifacts{}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/nope", nil))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()

	assert.True(t, rl.allow("1.2.3.4", now))
	assert.True(t, rl.allow("1.2.3.4", now))
	assert.False(t, rl.allow("1.2.3.4", now))
	assert.True(t, rl.allow("1.2.3.4", now.Add(time.Second)))
	assert.True(t, rl.allow("5.6.7.8", now), "buckets are per client")

	later := now.Add(2 * bucketIdle)
	assert.True(t, rl.allow("9.9.9.9", later))
	rl.mu.Lock()
	assert.Len(t, rl.buckets, 1, "idle buckets are evicted")
	rl.mu.Unlock()
}

func TestRateLimiter_Middleware(t *testing.T) {
	s := NewServer(config.APIConfig{RateLimitRPS: 1}, &memArtifacts{}, nil, "test")

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = get(t, s, "/api/ping", nil)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServe_TLSGeneratesCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.APIConfig{
		Enabled:  true,
		UseTLS:   true,
		CertFile: dir + "/tls/api.crt",
		KeyFile:  dir + "/tls/api.key",
	}
	s := NewServer(cfg, &memArtifacts{}, nil, "test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("https://" + ln.Addr().String() + "/api/ping")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.FileExists(t, cfg.CertFile)
	assert.FileExists(t, cfg.KeyFile)

	cancel()
	require.NoError(t, <-done)
}
