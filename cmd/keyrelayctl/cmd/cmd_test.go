package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/store"
	"keyrelay/pkg/testutil"
)

// seed creates a database with alice and bob registered and closes it.
func seed(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	s, err := store.Open(dir, store.Options{NoSync: true})
	require.NoError(t, err)
	testutil.RegisterDevice(t, s, "alice", 1)
	testutil.RegisterDevice(t, s, "bob", 1)
	require.NoError(t, s.Close())
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dbPath, configPath, verbose = "", "", false
	exportOut, passphrase, verifyNumber, gcDryRun = "", "", "", false
	t.Setenv("KEYRELAY_CONFIG", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	db := seed(t)
	out, err := run(t, "--db", db, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "identities:")

	out, err = run(t, "--db", db, "inspect", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "User alice: 1 device(s)")
}

func TestExportImport(t *testing.T) {
	src := seed(t)
	file := filepath.Join(t.TempDir(), "alice.snap")
	_, err := run(t, "--db", src, "export", "alice", "-o", file, "-p", "hunter2")
	require.NoError(t, err)
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dst := filepath.Join(t.TempDir(), "db")
	s, err := store.Open(dst, store.Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = run(t, "--db", dst, "import", "alice", file, "-p", "wrong")
	assert.Error(t, err)

	out, err := run(t, "--db", dst, "import", "alice", file, "-p", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "imported alice: 1 identities")
}

func TestFingerprintAndGC(t *testing.T) {
	db := seed(t)
	out, err := run(t, "--db", db, "fingerprint", "alice", "bob")
	require.NoError(t, err)
	number := out

	_, err = run(t, "--db", db, "fingerprint", "bob", "alice", "--verify", number)
	assert.NoError(t, err)
	_, err = run(t, "--db", db, "fingerprint", "bob", "alice", "--verify", "12345")
	assert.Error(t, err)

	out, err = run(t, "--db", db, "gc", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete 0 used prekeys")
}

func TestMissingDatabase(t *testing.T) {
	_, err := run(t, "--db", filepath.Join(t.TempDir(), "absent"), "inspect")
	assert.Error(t, err)
}
