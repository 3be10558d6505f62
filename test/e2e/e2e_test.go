//go:build e2e

package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ledgerCSV = "Date,Payee,Amount\n2024-01-01,Acme,10.00\n2024-01-02,Bolt,5.00\n,Total,15.05\n"

var artifactLine = regexp.MustCompile(`Artifact: (\S+)`)

func submit(t *testing.T, env *E2ETestEnv, workDir, caseID, filename, content string, extra ...string) string {
	t.Helper()
	path := filepath.Join(workDir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	args := append([]string{"submit", path, "--case", caseID, "--wait"}, extra...)
	out, err := env.RunForensix(workDir, args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: completed")

	m := artifactLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

// TestE2E_ForensicsFlow drives a full submission through the client binary.
func TestE2E_ForensicsFlow(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	workDir := t.TempDir()

	id := submit(t, env, workDir, "case-e2e", "ledger.csv", ledgerCSV, "--directive", "financial")

	t.Run("unauthenticated requests are rejected", func(t *testing.T) {
		_, err := env.Get("/forensics/ledger/verify", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 401")
	})

	t.Run("financial block", func(t *testing.T) {
		out, err := env.RunForensix(workDir, "financial", id)
		require.NoError(t, err, out)
		assert.Contains(t, out, "totals_mismatch")
	})

	t.Run("report and custody", func(t *testing.T) {
		out, err := env.RunForensix(workDir, "report", id)
		require.NoError(t, err, out)

		var report map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &report), out)
		assert.Equal(t, id, report["artifact_id"])

		custody, err := env.RunForensix(workDir, "custody", id)
		require.NoError(t, err, custody)
		assert.Contains(t, custody, "canonicalize")
	})

	t.Run("reanalysis keeps versions", func(t *testing.T) {
		out, err := env.RunForensix(workDir, "reanalyze", id)
		require.NoError(t, err, out)

		require.Eventually(t, func() bool {
			out, err := env.RunForensix(workDir, "report", id, "--versions")
			return err == nil && strings.Count(strings.TrimSpace(out), "\n") >= 1
		}, time.Minute, 500*time.Millisecond)

		out, err = env.RunForensix(workDir, "report", id, "--versions")
		require.NoError(t, err, out)
		assert.Equal(t, 1, strings.Count(out, "* "))
	})

	t.Run("mirrored report downloads through a presigned URL", func(t *testing.T) {
		dest := filepath.Join(workDir, "report.json")
		out, err := env.RunForensix(workDir, "report", id, "--download", dest)
		require.NoError(t, err, out)

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Contains(t, string(data), id)
	})

	t.Run("case summary and listing come from the index", func(t *testing.T) {
		second := submit(t, env, workDir, "case-e2e", "second.csv", "Amount\n1.00\n2.00\n")

		out, err := env.RunForensix(workDir, "case", "summary", "case-e2e")
		require.NoError(t, err, out)
		assert.Contains(t, out, "Artifacts: 2")

		out, err = env.RunForensix(workDir, "case", "artifacts", "case-e2e", "--limit", "1", "--all")
		require.NoError(t, err, out)
		assert.Contains(t, out, id)
		assert.Contains(t, out, second)
	})

	t.Run("server ledger verifies", func(t *testing.T) {
		out, err := env.RunForensix(workDir, "verify")
		require.NoError(t, err, out)
		assert.Contains(t, out, "OK:")
	})
}

// TestE2E_TamperedLedger checks both verify commands report a broken chain with exit 3.
func TestE2E_TamperedLedger(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	workDir := t.TempDir()

	submit(t, env, workDir, "case-tamper", "ledger.csv", ledgerCSV)

	data, err := os.ReadFile(env.LedgerPath())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"stage_name":"canonicalize"`, `"stage_name":"canonicalizf"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(env.LedgerPath(), []byte(tampered), 0o644))

	out, err := env.RunForensix(workDir, "verify")
	assert.Equal(t, 3, exitCode(err), out)
	assert.Contains(t, out, "BROKEN at sequence")

	out, err = env.RunForensixd("verify", "--ledger", env.LedgerPath())
	assert.Equal(t, 3, exitCode(err), out)
	assert.Contains(t, out, "BROKEN at sequence")
}

// TestE2E_OfflineIngest runs forensixd ingest without the server.
func TestE2E_OfflineIngest(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()

	path := filepath.Join(env.DataDir, "offline.csv")
	require.NoError(t, os.WriteFile(path, []byte(ledgerCSV), 0o644))

	out, err := env.RunForensixd("ingest", path, "--case", "case-offline", "--directive", "financial", "--offline")
	require.NoError(t, err, out)
	assert.Contains(t, out, "totals_mismatch")

	out, err = env.RunForensixd("verify", "--ledger", filepath.Join(env.DataDir, "offline-ledger.jsonl"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "OK:")

	out, err = env.RunForensixd("ingest", filepath.Join(env.DataDir, "missing.csv"), "--case", "case-offline", "--offline")
	assert.Equal(t, 1, exitCode(err), out)
}
