package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/config"
)

func newInitCmd(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{Use: "init"}
	cmd.Flags().StringP("output", "o", "", "output path")
	cmd.Flags().Bool("force", false, "overwrite existing")
	cmd.SetOut(out)
	return cmd
}

// withConfigFlags sets the persistent flag globals for one test. Tests using
// it must not run in parallel.
func withConfigFlags(t *testing.T, config string) {
	t.Helper()
	prevCfg, prevEnv := cfgFile, envFile
	cfgFile = config
	envFile = filepath.Join(t.TempDir(), ".env")
	t.Cleanup(func() { cfgFile, envFile = prevCfg, prevEnv })
}

func TestRunConfigInit(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	output := filepath.Join(t.TempDir(), "nested", defaultConfigFile)
	cmd := newInitCmd(&out)
	require.NoError(t, cmd.Flags().Set("output", output))

	require.NoError(t, runConfigInit(cmd, nil))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, defaultConfigTemplate, string(data))
	assert.Contains(t, out.String(), "Config file created")

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRunConfigInitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), defaultConfigFile)
	require.NoError(t, os.WriteFile(output, []byte("existing: content"), 0o600))

	var out bytes.Buffer
	cmd := newInitCmd(&out)
	require.NoError(t, cmd.Flags().Set("output", output))

	err := runConfigInit(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, cmd.Flags().Set("force", "true"))
	require.NoError(t, runConfigInit(cmd, nil))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, defaultConfigTemplate, string(data))
}

func TestRunConfigValidateTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(defaultConfigTemplate), 0o600))
	withConfigFlags(t, path)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, runConfigValidate(cmd, nil))
	assert.Contains(t, out.String(), "is valid")
}

func TestRunConfigValidateInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: nope\n"), 0o600))
	withConfigFlags(t, path)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	err := runConfigValidate(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, out.String(), "✗ Config validation failed")
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "oauth.token_url is required")
}

func TestResolveConfigPathLoadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	withConfigFlags(t, filepath.Join(dir, "custom.yaml"))
	envFile = filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("APIGATE_CLI_TEST_VAR=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("APIGATE_CLI_TEST_VAR") })

	path, err := resolveConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custom.yaml"), path)
	assert.Equal(t, "from-dotenv", os.Getenv("APIGATE_CLI_TEST_VAR"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "apigate ")
}
