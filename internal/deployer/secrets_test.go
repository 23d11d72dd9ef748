package deployer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteSecretFileMergesAndModeIsRestrictive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo-main-web.env")

	err := writeSecretFile(path, map[string]string{"PORT": "18001"}, map[string]string{"STRIPE_KEY": "sk_test"}, os.Getuid(), os.Getgid())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o400), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "PORT=18001")
	require.Contains(t, string(data), "STRIPE_KEY=sk_test")
}

func TestReadSecretValuesUppercasesKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stripe_key"), []byte("sk_test\n"), 0o400))

	values, err := readSecretValues(dir, []string{"stripe_key"})
	require.NoError(t, err)
	require.Equal(t, "sk_test", values["STRIPE_KEY"])
}

func TestReadSecretValuesMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := readSecretValues(dir, []string{"missing"})
	require.Error(t, err)
}
