package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const autoConfig = `
package:
  name: eza
  repository: eza-community/eza
  version: 0.20.1
  metadata:
    maintainer: Jane Doe <jane@example.com>
    depends: [libc6]
architectures: [amd64, arm64]
distributions: [bookworm, trixie]
concurrency:
  max_parallel: 3
policy:
  armel: [bookworm]
`

func TestLoadAutoDiscoveryShape(t *testing.T) {
	cfg, err := Load(writeConfig(t, "multiarch.yaml", autoConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"amd64", "arm64"}, cfg.Architectures)
	assert.Nil(t, cfg.Templates)
	assert.Equal(t, "tar.gz", cfg.Package.Format)
	assert.Equal(t, 1, cfg.Package.Build)
	assert.Equal(t, []string{"gnu", "musl"}, cfg.Discovery.VariantPreference)
	assert.Equal(t, []string{"bookworm"}, cfg.Policy["armel"])
	assert.Equal(t, []string{"libc6"}, cfg.Package.Metadata.Depends)

	req := cfg.Request(nil)
	assert.False(t, req.Manual())
	assert.Equal(t, "v0.20.1", req.Tag())
}

func TestLoadManualShape(t *testing.T) {
	body := `
package:
  name: fd
  repository: sharkdp/fd
  version: 10.2.0
architectures:
  amd64: fd-v{version}-x86_64-unknown-linux-gnu.tar.gz
  arm64: fd-v{version}-aarch64-unknown-linux-gnu.tar.gz
distributions: [bookworm]
`
	cfg, err := Load(writeConfig(t, "multiarch.yaml", body))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"amd64", "arm64"}, cfg.Architectures)
	assert.Equal(t, "fd-v{version}-x86_64-unknown-linux-gnu.tar.gz", cfg.Templates["amd64"])
	assert.True(t, cfg.Request(nil).Manual())
}

func TestRequestNarrowsArchitectures(t *testing.T) {
	cfg, err := Load(writeConfig(t, "multiarch.yaml", autoConfig))
	require.NoError(t, err)

	req := cfg.Request([]string{"arm64"})
	assert.Equal(t, []string{"arm64"}, req.Architectures)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("MULTIARCH_PACKAGE_VERSION", "0.21.0")
	t.Setenv("MULTIARCH_CONCURRENCY_OVERRIDE", "2")

	cfg, err := Load(writeConfig(t, "multiarch.yaml", autoConfig))
	require.NoError(t, err)
	assert.Equal(t, "0.21.0", cfg.Package.Version)
	assert.Equal(t, 2, cfg.Concurrency.Override)
}

func TestRequestedParallelPrecedence(t *testing.T) {
	cfg := Config{Concurrency: ConcurrencyConfig{MaxParallel: 3, Override: 5}}

	n, src := cfg.RequestedParallel(8)
	assert.Equal(t, 8, n)
	assert.Equal(t, "cli", src)

	n, src = cfg.RequestedParallel(0)
	assert.Equal(t, 5, n)
	assert.Equal(t, "override", src)

	cfg.Concurrency.Override = 0
	n, src = cfg.RequestedParallel(0)
	assert.Equal(t, 3, n)
	assert.Equal(t, "request", src)

	cfg.Concurrency.MaxParallel = 0
	n, src = cfg.RequestedParallel(0)
	assert.Zero(t, n)
	assert.Equal(t, "computed", src)
}

func TestValidateRejectsUnusableConfig(t *testing.T) {
	body := `
package:
  name: eza
  repository: eza-community/eza
  version: 0.20.1
  archive_format: rar
architectures: [amd64]
distributions: [bookworm]
discovery:
  patterns:
    amd64: "(x86_64"
`
	cfg, err := Load(writeConfig(t, "multiarch.yaml", body))
	require.NoError(t, err)

	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "unsupported archive format")
	assert.Contains(t, err.Error(), "does not compile")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLogConfigNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "arch", "arm64")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"arch":"arm64"`)
}
