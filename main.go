package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sarini12/collab-docs/collab"
	"github.com/sarini12/collab-docs/config"
	"github.com/sarini12/collab-docs/core"
	"github.com/sarini12/collab-docs/eventlog"
	"github.com/sarini12/collab-docs/handlers/api/documents"
	"github.com/sarini12/collab-docs/handlers/api/rooms"
	"github.com/sarini12/collab-docs/handlers/websocket"
	"github.com/sarini12/collab-docs/patch"
	"github.com/sarini12/collab-docs/presence"
	"github.com/sarini12/collab-docs/session"
	"github.com/sarini12/collab-docs/stores"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// allowsAnyOrigin reports whether origins contains the "*" wildcard.
func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

func setupRouter(documentStore core.DocumentStore, members rooms.MemberCounter, roomRegistry core.RoomRegistry, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length"},
		// Browsers refuse credentials with a wildcard origin.
		AllowCredentials: !allowsAnyOrigin(allowedOrigins),
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	r.Route("/api/doc", func(r chi.Router) {
		r.Post("/", documents.HandleCreate(documentStore))
		r.Get("/{key}", documents.HandleGet(documentStore))
	})
	r.Get("/api/rooms", rooms.HandleList(members, roomRegistry))

	return r
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// roomRegistry prefers Redis presence and falls back to a store that
// tracks rooms itself. The returned closer may be nil.
func roomRegistry(ctx context.Context, cfg *config.Config, documentStore core.DocumentStore) (core.RoomRegistry, func() error, error) {
	if cfg.Redis.Addr != "" {
		p, err := presence.NewRedisPresence(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return nil, nil, err
		}
		logrus.WithField("addr", cfg.Redis.Addr).Info("Use redis room presence")
		return p, p.Close, nil
	}
	if registry, ok := documentStore.(core.RoomRegistry); ok {
		return registry, nil, nil
	}
	return nil, nil, nil
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	documentStore, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer documentStore.Close()

	registry, closeRegistry, err := roomRegistry(ctx, cfg, documentStore)
	if err != nil {
		return fmt.Errorf("connect presence: %w", err)
	}
	if closeRegistry != nil {
		defer closeRegistry()
	}

	sessions := session.NewRegistry()
	transport := websocket.NewSocketTransport()
	deps := collab.Deps{
		Store:     documentStore,
		Registry:  sessions,
		Engine:    patch.NewEngine(patch.DefaultOptions()),
		Transport: transport,
		Rooms:     registry,
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := eventlog.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		dispatcher := eventlog.NewDispatcher(producer, cfg.Kafka.Topic, eventlog.DefaultOptions())
		defer func() {
			if err := dispatcher.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close event log")
			}
			logrus.WithFields(logrus.Fields{
				"sent":    dispatcher.Sent(),
				"dropped": dispatcher.Dropped(),
			}).Info("Event log closed")
		}()
		deps.Events = dispatcher
		logrus.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("Publishing patch events")
	}

	coordinator := collab.NewCoordinator(deps, collab.Options{
		PartialPolicy: collab.PartialPolicy(cfg.Sync.PartialPolicy),
		BroadcastMode: collab.BroadcastMode(cfg.Sync.BroadcastMode),
		MaxRetries:    cfg.Sync.MaxRetries,
		RetryInterval: collab.DefaultOptions().RetryInterval,
	})

	wsOpts := websocket.DefaultOptions()
	wsOpts.OpTimeout = cfg.Sync.OpTimeout
	wsOpts.AllowedOrigins = cfg.CORS.Origins
	ioo := websocket.SetupSocketIO(coordinator, transport, wsOpts)

	r := setupRouter(documentStore, sessions, registry, cfg.CORS.Origins)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.Listen).Info("starting server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")
		ioo.Close(nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("Server stopped")
	}
}
