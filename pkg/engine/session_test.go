package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/config"
)

func sessionConfig(t *testing.T, upstream string) config.Config {
	t.Helper()
	root := t.TempDir()
	var cfg config.Config
	cfg.Resources = config.ResourceConfig{
		CPUs:          4,
		MemoryBytes:   16 << 30,
		DiskFreeBytes: 100 << 30,
		Environment:   "interactive",
	}
	cfg.Concurrency.HardCeiling = 4
	cfg.Timeouts.Preflight = 5 * time.Second
	cfg.Release = config.ReleaseConfig{APIURL: upstream, DownloadURL: upstream, Timeout: 5 * time.Second}
	cfg.Telemetry.SampleInterval = 10 * time.Millisecond
	cfg.Output.Dir = filepath.Join(root, "dist")
	cfg.Output.WorkDir = filepath.Join(root, "work")
	return cfg
}

func TestExecuteRecordsInitializationStage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	req := request([]string{"amd64"}, []string{"bookworm"})
	req.Templates = map[string]string{"amd64": "eza_{version}_x86_64-unknown-linux-gnu.tar.gz"}

	sum, err := Execute(context.Background(), Session{
		Config:  sessionConfig(t, upstream.URL),
		Request: req,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.ErrorIs(t, err, ErrNoPackages)
	require.Len(t, sum.Architectures, 1)
	assert.Equal(t, builder.ArchFailed, sum.Architectures[0].State)

	var names []string
	for _, st := range sum.Telemetry.Stages {
		names = append(names, st.Name)
	}
	require.NotEmpty(t, names)
	assert.Equal(t, StageInit, names[0])
	assert.Contains(t, names, "arch:amd64")
	assert.Contains(t, names, "fetch:amd64")
	assert.Equal(t, "success", sum.Telemetry.Stages[0].Status)
	assert.False(t, sum.Telemetry.Start.After(sum.Telemetry.Stages[0].Start))
}

func TestExecutePreconditionSchedulesNothing(t *testing.T) {
	req := request([]string{"amd64"}, []string{"bookworm"})
	req.Version = ""

	_, err := Execute(context.Background(), Session{
		Config:  sessionConfig(t, "http://127.0.0.1:1"),
		Request: req,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
}
