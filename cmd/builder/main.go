package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/auth"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/client"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/config"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/engine"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/fetch"
	"github.com/ranjithrajv/debian-multiarch-builder/pkg/telemetry"
)

type executeFunc func(ctx context.Context, s engine.Session) (telemetry.BuildSummary, error)

type server struct {
	cfg      config.Config
	logger   *slog.Logger
	keys     auth.Keys
	memStore *builder.MemStore
	pgStore  *builder.PostgresStore
	execute  executeFunc
	// slots admits one run at a time; each run already sizes its pool
	// against the whole host
	slots *semaphore.Weighted

	// runs outlive the request that queued them
	runCtx context.Context
	wg     sync.WaitGroup
}

func main() {
	cfg, err := config.Load(os.Getenv("MULTIARCH_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	addr := envOrDefault("MULTIARCH_BUILDER_ADDR", ":8085")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Trace {
		shutdown := telemetry.InitTracer(ctx, "multiarch-builder", os.Stderr, logger)
		defer func() { _ = shutdown(context.Background()) }()
	}

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		keys:     auth.ParseKeys(os.Getenv("MULTIARCH_API_KEYS")),
		memStore: builder.NewMemStore(),
		execute:  engine.Execute,
		slots:    semaphore.NewWeighted(1),
		runCtx:   ctx,
	}

	if dsn := cfg.Store.DatabaseURL; dsn != "" {
		pg, err := builder.NewPostgresStore(dsn)
		if err != nil {
			logger.Error("builder postgres init failed", "error", err)
			os.Exit(1)
		}
		srv.pgStore = pg
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Warn("builder postgres close error", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("builder service listening", "addr", addr, "auth", len(srv.keys) > 0)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("builder service failed", "error", err)
		os.Exit(1)
	}
	srv.wg.Wait()
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.keys.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/logs", s.handleStreamLogs)
		})
	})
	return r
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var payload builder.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	req := s.withDefaults(payload)
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !fetch.Supported(req.Format) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported archive format %q", req.Format))
		return
	}

	run := builder.NewRun(uuid.NewString(), req)
	s.memStore.Create(run)
	if s.pgStore != nil {
		if err := s.pgStore.Create(run); err != nil {
			s.logger.Warn("persist run failed", "run", run.ID, "error", err)
		}
	}
	respondJSON(w, map[string]any{"run": run}, http.StatusAccepted)

	s.wg.Add(1)
	go s.runBuild(run, req)
}

// withDefaults fills fields the caller left empty from the service
// configuration.
func (s *server) withDefaults(req builder.BuildRequest) builder.BuildRequest {
	if req.Build == 0 {
		req.Build = s.cfg.Package.Build
	}
	if req.Format == "" {
		req.Format = s.cfg.Package.Format
	}
	if len(req.Distributions) == 0 {
		req.Distributions = append([]string(nil), s.cfg.Distributions...)
	}
	if len(req.Architectures) == 0 && req.Templates != nil {
		for arch := range req.Templates {
			req.Architectures = append(req.Architectures, arch)
		}
	}
	return req
}

// runConfig isolates a run's output and summary under its own directory.
func (s *server) runConfig(id string) config.Config {
	cfg := s.cfg
	cfg.Output.Dir = filepath.Join(s.cfg.Output.Dir, id)
	cfg.Output.SummaryPath = filepath.Join(cfg.Output.Dir, "build-summary."+cfg.Output.SummaryFormat)
	return cfg
}

func (s *server) runBuild(run builder.Run, req builder.BuildRequest) {
	defer s.wg.Done()

	s.appendLog(run.ID, fmt.Sprintf("queued %s %s for %d architectures", req.Package, req.Version, len(req.Architectures)))
	if err := s.slots.Acquire(s.runCtx, 1); err != nil {
		s.failRun(run.ID, fmt.Sprintf("not started: %v", err))
		return
	}
	defer s.slots.Release(1)
	s.updateStatus(run.ID, builder.RunRunning, "")

	sum, err := s.execute(s.runCtx, engine.Session{
		Config:   s.runConfig(run.ID),
		Request:  req,
		Parallel: req.MaxParallel,
		Logger:   s.logger.With("run", run.ID),
		UnitLog:  func(line string) { s.appendLog(run.ID, line) },
	})
	if !engine.IsPrecondition(err) {
		s.setSummary(run.ID, sum)
	}
	if err != nil {
		s.failRun(run.ID, err.Error())
		return
	}

	s.appendLog(run.ID, fmt.Sprintf("run completed: %d packages, %d failed distributions", sum.Packages, sum.FailedDists))
	s.updateStatus(run.ID, builder.RunSucceeded, "")
	s.memStore.CloseSubscribers(run.ID)
}

func (s *server) setSummary(id string, sum telemetry.BuildSummary) {
	payload, err := json.Marshal(sum)
	if err != nil {
		s.logger.Warn("marshal summary", "run", id, "error", err)
		return
	}
	if err := s.memStore.SetSummary(id, payload); err != nil {
		s.logger.Warn("memory summary error", "run", id, "error", err)
	}
	if s.pgStore != nil {
		if err := s.pgStore.SetSummary(id, payload); err != nil {
			s.logger.Warn("postgres summary error", "run", id, "error", err)
		}
	}
}

func (s *server) updateStatus(id string, status builder.RunStatus, errMsg string) {
	if _, err := s.memStore.SetStatus(id, status, errMsg); err != nil {
		s.logger.Warn("memory status error", "run", id, "error", err)
	}
	if s.pgStore != nil {
		if err := s.pgStore.UpdateStatus(id, status, errMsg); err != nil {
			s.logger.Warn("postgres status error", "run", id, "error", err)
		}
	}
}

func (s *server) failRun(id string, message string) {
	s.appendLog(id, message)
	s.updateStatus(id, builder.RunFailed, message)
	s.memStore.CloseSubscribers(id)
}

func (s *server) appendLog(id string, line string) {
	s.memStore.AppendLog(id, line)
	if s.pgStore != nil {
		if err := s.pgStore.AppendLog(id, line); err != nil {
			s.logger.Warn("persist log error", "run", id, "error", err)
		}
	}
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.pgStore != nil {
		runs, err := s.pgStore.List()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"runs": runs}, http.StatusOK)
		return
	}
	respondJSON(w, map[string]any{"runs": s.memStore.List()}, http.StatusOK)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	var (
		run builder.Run
		err error
	)
	if s.pgStore != nil {
		run, err = s.pgStore.Get(id)
	} else {
		run, err = s.memStore.Get(id)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, builder.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, map[string]any{"run": run}, http.StatusOK)
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	ch, err := s.memStore.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", client.StreamClosed)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
