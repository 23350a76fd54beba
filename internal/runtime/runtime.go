package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/capability"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/engine/mock"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/observe"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/stt/service"
	"github.com/loqalabs/loqa-stt/internal/wsapi"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	bus      *bus.Client
	service  *service.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the node up and blocks until ctx is done. Components are torn
// down in reverse start order; the model is closed only after every session
// holder has stopped.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	metrics := observe.DefaultMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	announced := capability.Recognizer{}
	if r.cfg.STT.Enabled {
		eng, err := NewEngine(r.cfg.STT)
		if err != nil {
			return err
		}
		loadOpts := []stt.LoadOption{
			stt.WithEngineLogLevel(r.cfg.STT.EngineLogLevel),
			stt.WithLogger(r.logger.With(slog.String("component", "stt"))),
		}
		model, err := stt.LoadModel(eng, r.cfg.STT.ModelPath, loadOpts...)
		if err != nil {
			return err
		}
		defer r.closeResource("model", model.Close)

		var speaker *stt.SpeakerModel
		if r.cfg.STT.SpeakerModelPath != "" {
			speaker, err = stt.LoadSpeakerModel(eng, r.cfg.STT.SpeakerModelPath, loadOpts...)
			if err != nil {
				return err
			}
			defer r.closeResource("speaker model", speaker.Close)
		}
		r.logger.Info("stt model loaded",
			slog.String("engine", eng.Name()),
			slog.String("model", r.cfg.STT.ModelPath),
			slog.Bool("speaker", speaker != nil))

		svcOpts := []service.Option{
			service.WithStore(store),
			service.WithMetrics(metrics),
			service.WithNodeID(r.cfg.Node.ID),
		}
		if speaker != nil {
			svcOpts = append(svcOpts, service.WithSpeaker(speaker))
		}
		r.service = service.NewService(ctx, r.cfg.STT, r.bus, model, svcOpts...)
		if err := r.service.Start(); err != nil {
			return err
		}
		defer r.service.Close()

		if r.cfg.WebSocket.Enabled {
			wsOpts := []wsapi.Option{
				wsapi.WithStore(store),
				wsapi.WithMetrics(metrics),
				wsapi.WithLogger(r.logger),
			}
			if speaker != nil {
				wsOpts = append(wsOpts, wsapi.WithSpeaker(speaker))
			}
			ws := wsapi.NewHandler(r.cfg.WebSocket, r.cfg.STT, model, wsOpts...)
			defer ws.Close()
			mux.Handle(r.cfg.WebSocket.Path, ws)
		}

		announced = capability.Recognizer{
			Engine:     eng.Name(),
			Model:      r.cfg.STT.ModelPath,
			SampleRate: r.cfg.STT.SampleRate,
			Grammar:    r.cfg.STT.Grammar,
			Speaker:    speaker != nil,
		}
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, announced, r.bus, r.logger)
	if err != nil {
		return err
	}
	defer r.registry.Close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && !sameAddr(r.cfg.Telemetry.PrometheusBind, addr) {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return r.pruneLoop(gctx, store)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))
	return g.Wait()
}

// NewEngine returns the decoding engine selected by cfg.Engine.
func NewEngine(cfg config.STTConfig) (engine.Engine, error) {
	switch cfg.Engine {
	case "vosk":
		eng, err := engine.NewVosk()
		if err != nil {
			return nil, fmt.Errorf("vosk engine: %w", err)
		}
		return eng, nil
	case "exec":
		eng, err := engine.NewExec(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("exec engine: %w", err)
		}
		return eng, nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) closeResource(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		r.logger.Error("failed to close "+name, slog.String("error", err.Error()))
	}
}

func sameAddr(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimPrefix(strings.TrimPrefix(s, "0.0.0.0"), "localhost")
	}
	return norm(a) == norm(b)
}

func (r *Runtime) healthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
