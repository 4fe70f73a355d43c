package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

func writeBuild(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parser.exe")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeDeployment(t *testing.T, out string) store.Deployment {
	t.Helper()
	var resp struct {
		Status string           `json:"status"`
		Data   store.Deployment `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestDeployPush_NoAgentsDeploysImmediately(t *testing.T) {
	srv, _ := startCore(t)
	build := writeBuild(t, "parser build 2.4.0")
	sum := sha256.Sum256([]byte("parser build 2.4.0"))

	out, err := execute(t, "--format", "json", "deploy", "push",
		"--server", srv.URL, "--file", build, "--version", "2.4.0")
	require.NoError(t, err)

	d := decodeDeployment(t, out)
	assert.Equal(t, "2.4.0", d.Version)
	assert.Equal(t, hex.EncodeToString(sum[:]), d.FileHash)
	assert.Equal(t, store.DeploymentDeployed, d.Status)
	assert.Zero(t, d.TotalTerminals)
	assert.Contains(t, d.DownloadURL, "/v1/artifacts/"+d.FileHash)

	out, err = execute(t, "deploy", "status", d.ID, "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Deployment "+d.ID)
	assert.Contains(t, out, "Status:    deployed")
	assert.Contains(t, out, "Acked:     0 of 0")
}

func TestDeployRebroadcast_DeployedIsConflict(t *testing.T) {
	srv, _ := startCore(t)
	build := writeBuild(t, "v1")

	out, err := execute(t, "--format", "json", "deploy", "push",
		"--server", srv.URL, "--file", build, "--version", "1.0.0")
	require.NoError(t, err)
	d := decodeDeployment(t, out)

	_, err = execute(t, "deploy", "rebroadcast", d.ID, "--server", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "server returned 409")
}

func TestDeployStatus_Unknown(t *testing.T) {
	srv, _ := startCore(t)

	_, err := execute(t, "deploy", "status", "missing", "--server", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "server returned 404")
}

func TestDeployPush_Errors(t *testing.T) {
	build := writeBuild(t, "v1")

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "deploy", "push", "--file", filepath.Join(t.TempDir(), "nope"), "--version", "1")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("missing version flag", func(t *testing.T) {
		_, err := execute(t, "deploy", "push", "--file", build)
		require.Error(t, err)
	})

	t.Run("server unreachable", func(t *testing.T) {
		_, err := execute(t, "deploy", "push", "--server", "http://127.0.0.1:1",
			"--timeout", "2s", "--file", build, "--version", "1")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "server unreachable")
	})
}
