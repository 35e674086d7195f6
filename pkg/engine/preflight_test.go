package engine

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

func TestPreflightStopsAtFirstFailure(t *testing.T) {
	var ran []string
	check := func(name string, err error) Check {
		return FuncCheck(name, func(context.Context) error {
			ran = append(ran, name)
			return err
		})
	}

	err := Preflight(context.Background(), time.Second, slog.Default(),
		check("configuration", nil),
		check("release listing", errors.New("404 Not Found")),
		check("never", nil),
	)
	require.ErrorIs(t, err, ErrPrecondition)
	assert.True(t, IsPrecondition(err))
	assert.Contains(t, err.Error(), "release listing")
	assert.Equal(t, []string{"configuration", "release listing"}, ran)
}

func TestToolsCheck(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()
	lookPath = func(name string) (string, error) {
		if name == "docker" {
			return "/usr/bin/docker", nil
		}
		return "", exec.ErrNotFound
	}

	require.NoError(t, ToolsCheck("docker", "").Run(context.Background()))

	err := ToolsCheck("docker", "lintian", "qemu-user-static").Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lintian, qemu-user-static")
}

func TestCommandCheck(t *testing.T) {
	require.NoError(t, CommandCheck("daemon", "true").Run(context.Background()))
	require.NoError(t, CommandCheck("daemon", "").Run(context.Background()))

	err := CommandCheck("daemon", "echo 'Cannot connect to the Docker daemon'; exit 1").Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")
}

func TestPreflightDeadline(t *testing.T) {
	err := Preflight(context.Background(), 50*time.Millisecond, slog.Default(), CommandCheck("daemon", "sleep 5"))
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestValidateRequest(t *testing.T) {
	req := builder.BuildRequest{
		Package: "eza", Repository: "eza-community/eza", Version: "0.20.0", Build: 1,
		Format: "tar.gz", Architectures: []string{"amd64"}, Distributions: []string{"bookworm"},
	}
	require.NoError(t, validateRequest(req))

	req.Format = "rar"
	require.Error(t, validateRequest(req))

	req.Format = "zip"
	req.Distributions = nil
	require.Error(t, validateRequest(req))
}

func TestArtifactsListsSuccessfulPackages(t *testing.T) {
	sum := telemetry.BuildSummary{Architectures: []builder.ArchitectureJob{
		{Arch: "amd64", Dists: []builder.DistributionJob{
			{Dist: "bookworm", State: builder.DistSuccess, ArtifactPath: "dist/a.deb"},
			{Dist: "trixie", State: builder.DistFailed},
		}},
		{Arch: "arm64", State: builder.ArchSkipped},
	}}
	assert.Equal(t, []string{"dist/a.deb"}, Artifacts(sum))
}
