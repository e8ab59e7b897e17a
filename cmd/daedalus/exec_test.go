package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, flags := range []*pflag.FlagSet{rootCmd.PersistentFlags(), execCmd.Flags()} {
		flags.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestExecCommand(t *testing.T) {
	dir := t.TempDir()
	nodePath := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(nodePath, []byte(`
node:
  id: greet
  type: TRANSFORM
  config:
    transformations:
      - outputKey: greeting
        expression: "{{name}}"
input:
  name: grace
`), 0o600))
	inputPath := filepath.Join(dir, "input.yaml")
	require.NoError(t, os.WriteFile(inputPath, []byte("name: ada\n"), 0o600))

	out, err := runCLI(t, "exec", nodePath, "--input", inputPath, "--storage", "none", "--log-level", "error")
	require.NoError(t, err)

	res, err := message.ResultFromBytes([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, message.StatusSuccess, res.Status)
	assert.Equal(t, "greet", res.NodeID)
	assert.JSONEq(t, `{"greeting":"ada"}`, string(res.Output))
}

func TestExecCommand_FailFlag(t *testing.T) {
	nodePath := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(nodePath, []byte(`{"id": "n1", "type": "TELEPORT"}`), 0o600))

	_, err := runCLI(t, "exec", nodePath, "--storage", "none", "--log-level", "error", "--fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_HANDLER")
}

func TestExecCommand_MissingFile(t *testing.T) {
	_, err := runCLI(t, "exec", filepath.Join(t.TempDir(), "missing.yaml"), "--storage", "none")
	assert.Error(t, err)
}
