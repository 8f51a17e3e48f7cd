package testfleet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const testFileList = `[
  {"path": "login.spec.ts", "sizeBytes": 2048, "avgDurationMillis": 9000},
  {"path": "checkout.spec.ts", "sizeBytes": 4096, "avgDurationMillis": 22000},
  {"path": "search.spec.ts", "sizeBytes": 1024}
]`

func TestLoadTestFiles(t *testing.T) {
	path := writeFile(t, "files.json", testFileList)
	files, err := loadTestFiles(path)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "login.spec.ts", files[0].Path)
	assert.Equal(t, int64(22000), files[1].AvgDurationMillis)

	_, err = loadTestFiles(writeFile(t, "bad.json", `[{"sizeBytes": 1}]`))
	assert.Error(t, err, "entries without a path are rejected")

	_, err = loadTestFiles(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestRunCommandWithStubBackend(t *testing.T) {
	filesPath := writeFile(t, "files.json", testFileList)
	workloadPath := writeFile(t, "test-code.tar.gz", "tarball-bytes")

	cmd := NewTestfleetCommand()
	cmd.SetArgs([]string{
		"run",
		"--backend", "stub",
		"--bucket", "fleet-bucket",
		"--test-files", filesPath,
		"--workload", workloadPath,
		"--shards", "2",
		"--strategy", "size-balanced",
	})
	assert.NoError(t, cmd.Execute(), "a stub run must complete end to end")
}

func TestRunCommandValidation(t *testing.T) {
	cmd := NewTestfleetCommand()
	cmd.SetArgs([]string{"run", "--backend", "stub", "--bucket", "b"})
	assert.Error(t, cmd.Execute(), "missing --test-files and --workload must fail")

	cmd = NewTestfleetCommand()
	cmd.SetArgs([]string{"run", "--backend", "stub", "--bucket", "b", "--test-files", "x.json", "--workload", "w.tar.gz", "--run-id", "bogus"})
	assert.Error(t, cmd.Execute(), "malformed run ids are rejected")
}

func TestPlanCommand(t *testing.T) {
	filesPath := writeFile(t, "files.json", testFileList)

	cmd := NewTestfleetCommand()
	cmd.SetArgs([]string{"plan", "--test-files", filesPath, "--shards", "2", "--strategy", "duration-balanced"})
	assert.NoError(t, cmd.Execute())
}

func TestProfileFlagOverrides(t *testing.T) {
	f := &profileFlags{BackendName: "stub", Bucket: "override-bucket"}
	profile, err := f.Profile()
	require.NoError(t, err)
	assert.Equal(t, "stub", profile.Backend)
	assert.Equal(t, "override-bucket", profile.Bucket)
}
