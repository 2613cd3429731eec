// Package runtime wires the daemon together: telemetry, the HTTP status
// surface, the message bus, the run ledger, the synthesis engine, and the
// narration pipeline consuming requests off the bus.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/overtone-labs/overtone/internal/bus"
	"github.com/overtone-labs/overtone/internal/config"
	"github.com/overtone-labs/overtone/internal/natsserver"
	"github.com/overtone-labs/overtone/internal/pipeline"
	"github.com/overtone-labs/overtone/internal/protocol"
	"github.com/overtone-labs/overtone/internal/runstore"
	"github.com/overtone-labs/overtone/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tel           *telemetry

	embedded *natsserver.EmbeddedServer
	busC     *bus.Client
	store    *runstore.Store
	pipe     *pipeline.Pipeline

	ready atomic.Bool
	runMu sync.Mutex
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tel = tel

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.embedded = embedded

		busCfg := r.cfg.Bus
		if r.cfg.Bus.Embedded {
			busCfg.Servers = []string{fmt.Sprintf("nats://localhost:%d", r.cfg.Bus.Port)}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			r.embedded.Shutdown()
			return fmt.Errorf("connect bus: %w", err)
		}
		r.busC = client
	}

	store, err := runstore.Open(ctx, r.cfg.RunStore, r.logger)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	r.store = store

	synth, err := tts.FromConfig(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("build synthesizer: %w", err)
	}
	// model download must finish before any synthesis is attempted
	if k, ok := synth.(interface{ EnsureModel(context.Context) error }); ok {
		if err := k.EnsureModel(ctx); err != nil {
			return fmt.Errorf("ensure model: %w", err)
		}
	}

	r.pipe = pipeline.New(r.cfg, synth, r.store, r.busC, r.logger)

	if r.busC != nil {
		sub, err := r.busC.Subscribe(protocol.SubjectNarrateRequest, r.handleNarrateRequest(ctx))
		if err != nil {
			return fmt.Errorf("subscribe narrate requests: %w", err)
		}
		defer sub.Drain()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	// metrics get their own listener so scrapes stay off the status port
	if tel.metrics != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", tel.metrics)
			r.metricsServer = &http.Server{
				Addr:              bind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					r.logger.Error("metrics server failed", slog.String("error", err.Error()))
				}
			}()
			r.logger.Info("metrics listening", slog.String("addr", bind))
		} else {
			mux.Handle("/metrics", tel.metrics)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("daemon started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.TTS.Engine),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("daemon stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.busC.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("run store close error", slog.String("error", err.Error()))
	}

	if err := r.tel.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

// handleNarrateRequest runs one narration per request. Runs are serialized
// so two books never compete for the synthesis engine.
func (r *Runtime) handleNarrateRequest(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.NarrateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.logger.Warn("malformed narrate request", slog.String("error", err.Error()))
			return
		}
		if req.BookID == "" || len(req.Chapters) == 0 {
			r.logger.Warn("narrate request missing book_id or chapters")
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runMu.Lock()
			defer r.runMu.Unlock()

			chapters, err := pipeline.LoadChapterFiles(req.Chapters)
			if err != nil {
				r.logger.Error("load chapters failed",
					slog.String("book_id", req.BookID), slog.String("error", err.Error()))
				return
			}
			if _, err := r.pipe.Run(ctx, req.BookID, chapters); err != nil {
				r.logger.Error("narration run failed",
					slog.String("book_id", req.BookID), slog.String("error", err.Error()))
			}
		}()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.cfg.Bus.Enabled && !r.busC.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
