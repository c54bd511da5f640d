package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

const testConfig = `{
  "store": {"path": %q},
  "api": {"enabled": false},
  "logging": {"level": "error", "directory": "", "console": false}
}`

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "stagehand.json")
	body := []byte(fmt.Sprintf(testConfig, filepath.Join(dir, "artifacts.db")))
	require.NoError(t, os.WriteFile(path, body, 0644))
	return path
}

func writeDump(t *testing.T, dir string) string {
	t.Helper()
	codec := protocol.NewDefaultCodec()
	path := filepath.Join(dir, "login.shdp")

	w, err := dump.Create(path, protocol.DefaultVersion)
	require.NoError(t, err)
	for i, status := range []int{0, 3} {
		raw, err := codec.Encode(protocol.PacketPlayStatus, protocol.Params{"status": status})
		require.NoError(t, err)
		require.NoError(t, w.WriteFrame(dump.Outbound, uint32(i*100), raw))
	}
	require.NoError(t, w.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--no-banner"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestGenerateStoreAndManageArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	dumpPath := writeDump(t, dir)

	out, err := run(t, "--config", cfg, "generate", "--dump", dumpPath, "--name", "login")
	require.NoError(t, err)
	assert.Contains(t, out, `stored artifact "login"`)
	assert.Contains(t, out, "catalog entries")

	out, err = run(t, "--config", cfg, "artifacts")
	require.NoError(t, err)
	assert.Contains(t, out, "login")

	out, err = run(t, "--config", cfg, "artifacts", "show", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "play_status")
	assert.Contains(t, out, "play_status_1")

	_, err = run(t, "--config", cfg, "artifacts", "delete", "login")
	require.NoError(t, err)

	out, err = run(t, "--config", cfg, "artifacts")
	require.NoError(t, err)
	assert.Contains(t, out, "no artifacts stored")

	_, err = run(t, "--config", cfg, "artifacts", "delete", "login")
	assert.ErrorContains(t, err, "artifact not found")
}

func TestGenerate_DryRunDefaultsName(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	dumpPath := writeDump(t, dir)

	out, err := run(t, "--config", cfg, "generate", "--dump", dumpPath, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "login")
	assert.NotContains(t, out, "stored artifact")
}

func TestGenerate_RequiresDump(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	_, err := run(t, "--config", cfg, "generate")
	assert.ErrorContains(t, err, `"dump" not set`)
}

func TestInspectAndPCAP(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	dumpPath := writeDump(t, dir)

	out, err := run(t, "--config", cfg, "inspect", "--dump", dumpPath)
	require.NoError(t, err)
	assert.Contains(t, out, "protocol 712")
	assert.Contains(t, out, "play_status")

	out, err = run(t, "--config", cfg, "pcap", "--dump", dumpPath)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 2 frames")
	assert.FileExists(t, filepath.Join(dir, "login.pcap"))
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"replay": {"speed": -1}, "logging": {"directory": "", "console": false}}`), 0644))

	_, err := run(t, "--config", path, "artifacts")
	assert.ErrorContains(t, err, "replay.speed")
}

func TestServe_RequiresArtifact(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	_, err := run(t, "--config", cfg, "serve", "--no-console")
	assert.ErrorContains(t, err, "no artifact to serve")
}

func TestServe_RejectsUnencodablePatch(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	_, err := run(t, "--config", cfg, "generate", "--dump", writeDump(t, dir), "--name", "login")
	require.NoError(t, err)

	patched := filepath.Join(dir, "patched.json")
	body := fmt.Sprintf(`{
  "store": {"path": %q},
  "api": {"enabled": false},
  "logging": {"level": "error", "directory": "", "console": false},
  "replay": {"listen_addr": "127.0.0.1:0", "patches": {"play_status": {"status": "spawned"}}}
}`, filepath.Join(dir, "artifacts.db"))
	require.NoError(t, os.WriteFile(patched, []byte(body), 0644))

	_, err = run(t, "--config", patched, "serve", "--no-console", "--artifact", "login")
	assert.ErrorContains(t, err, "invalid replay.patches")
}
