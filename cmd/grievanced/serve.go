package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/internal/metrics"
	"github.com/mickamy/grievance/realtime"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(rt *appContext) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the websocket endpoint, the relay and the escalation consumer",
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *appContext) error {
	cfg := rt.cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := wire(ctx, rt, metrics.NewRelayHooks(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			rt.logger.Error(context.Background(), "shutdown: %v", err)
		}
	}()

	consumer, err := escalation.NewConsumer(d.broker, d.service, escalation.ConsumerOptions{
		DedupeSize: cfg.Escalation.DedupeSize,
		Attempts:   cfg.Escalation.Attempts,
		RearmDelay: cfg.Escalation.RearmDelay,
		Logger:     rt.logger.With("component", "escalation"),
		Hooks:      metrics.NewEscalationHooks(reg),
	})
	if err != nil {
		return err
	}
	// The consumer outlives the relay so a draining batch still has a reader
	// on the due topics. The broker does not buffer for absent subscribers.
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	if err := consumer.Subscribe(consumerCtx); err != nil {
		return err
	}

	registry := realtime.NewRegistry(d.broker, realtime.WithRegistryLogger(rt.logger.With("component", "registry")))
	var rm *metrics.Realtime
	handler := realtime.NewHandler(registry, realtime.HandlerOptions{
		Session: realtime.SessionOptions{
			QueueSize:    cfg.Session.QueueSize,
			WriteTimeout: cfg.Session.WriteTimeout,
			OnDrop:       func() { rm.OnDrop() },
		},
		Logger: rt.logger.With("component", "realtime"),
	})
	rm = metrics.NewRealtime(reg, registry, handler)

	server := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           routes(handler, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info(gctx, "http listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	runWorkers(g, gctx, d.relay, consumer, consumerCtx, stopConsumer)
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		handler.Close()
		err := server.Shutdown(shutdownCtx)
		_ = registry.Close()
		return err
	})
	return g.Wait()
}

type runner interface {
	Run(ctx context.Context) error
}

// runWorkers starts the relay on gctx and the consumer on consumerCtx, which
// is cancelled once the relay has returned. A failing consumer still cancels
// gctx through the group.
func runWorkers(g *errgroup.Group, gctx context.Context, relay, consumer runner, consumerCtx context.Context, stopConsumer context.CancelFunc) {
	g.Go(func() error {
		defer stopConsumer()
		return ignoreCanceled(relay.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(consumer.Run(consumerCtx))
	})
}

func routes(ws http.Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", ws)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
