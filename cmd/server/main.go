package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"customer-flow-console/internal/backend"
	"customer-flow-console/internal/console"
	"customer-flow-console/internal/livechannel"
	"customer-flow-console/internal/platform/config"
	"customer-flow-console/internal/platform/emitter"
	"customer-flow-console/internal/platform/logger"
	"customer-flow-console/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout  = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	reg := console.NewRegistry(log, cfg.ClosingThresholdPixels)

	channels := livechannel.NewManager(reg,
		livechannel.NewWebsocketDialer(cfg.ChannelEndpoint(), handshakeTimeout),
		log,
		livechannel.WithPolicy(livechannel.Policy{BaseDelay: cfg.ReconnectBase, MaxAttempts: cfg.ReconnectMaxAttempts}),
		livechannel.WithObserver(met),
	)

	var store console.Store = console.NewInMemoryStore()
	if cfg.StateFile != "" {
		store = console.NewFileStore(cfg.StateFile)
	}

	opts := []console.ServiceOption{
		console.WithStore(store),
		console.WithRecorder(met),
		console.WithRequestTimeout(cfg.RequestTimeout),
	}

	var mq *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTTEmitter(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, log)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		if err := mq.Connect(ctx); err != nil {
			log.Warn("mqtt unavailable, live counts will not be published", "error", err)
		}
		cancel()
		opts = append(opts, console.WithPublisher(mq))
	}

	client := backend.NewClient(cfg.BackendURL, cfg.RequestTimeout, log)
	svc := console.NewService(reg, client, channels, log, opts...)

	events := console.NewBroadcaster(log)
	reg.Subscribe(events.Publish)
	h := console.NewHandler(svc, events, log)

	if n, err := svc.Restore(context.Background()); err != nil {
		log.Error("restore state failed", "error", err, "state_file", cfg.StateFile)
	} else if n > 0 {
		log.Info("state restored", "sources", n)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(func() metrics.Gauges {
		return metrics.Gauges{
			TrackedSources:    reg.Len(),
			ConnectedChannels: reg.ConnectedChannels(),
			StreamClients:     events.Clients(),
		}
	}).ServeHTTP)
	h.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"backend_url", cfg.BackendURL,
		"channel_url", cfg.ChannelEndpoint(),
		"state_file", cfg.StateFile,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	// Change streams never end on their own.
	events.Close()
	channels.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if mq != nil {
		mq.Disconnect()
	}

	log.Info("server stopped")
}
