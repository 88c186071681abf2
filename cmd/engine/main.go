package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"wadispatch/internal/breaker"
	"wadispatch/internal/config"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/httpserver"
	"wadispatch/internal/live"
	"wadispatch/internal/logging"
	"wadispatch/internal/observability"
	"wadispatch/internal/providers/waha"
	"wadispatch/internal/quota"
	"wadispatch/internal/retry"
	"wadispatch/internal/scheduler"
	"wadispatch/internal/state"
	"wadispatch/internal/store/pg"
	"wadispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadEngine()
	logging.Init("engine", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("engine db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	hub := live.NewHub()

	gw := &waha.Client{
		BaseURL:     cfg.GatewayBaseURL,
		HTTP:        &http.Client{Timeout: cfg.GatewayCallTimeout + 2*time.Second},
		CallTimeout: cfg.GatewayCallTimeout,
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: cfg.BreakerSuccesses,
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			slog.Warn("breaker state change", "session", name, "from", from.String(), "to", to.String())
		},
	})

	syncer := &state.Sync{Store: st, Live: hub}

	proc := &worker.Processor{
		Store:    st,
		Gateway:  gw,
		Quota:    &quota.Enforcer{Store: st},
		Breakers: breakers,
		Sync:     syncer,
		Retry: retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   2,
			MaxDelay:     cfg.RetryMaxDelay,
			JitterFrac:   0.2,
		},
	}

	pool := &worker.Pool{
		Store:             st,
		Proc:              proc,
		Sync:              syncer,
		Workers:           cfg.JobWorkers,
		QueueDepth:        cfg.QueueDepth,
		TenantConcurrency: cfg.TenantConcurrency,
		TenantRatePerSec:  cfg.TenantRPS,
		TenantBurst:       cfg.TenantBurst,
	}

	sched := &scheduler.Scheduler{
		Store:      st,
		Pool:       pool,
		Interval:   cfg.TickInterval,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.ClaimBatch,
	}
	// Finalized recurring campaigns chain their next occurrence.
	syncer.OnJobFinal = sched.OnJobFinal

	s := httpapi.New()
	s.Router.HandleFunc("/healthz", httpapi.Healthz())
	s.Router.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	s.Router.HandleFunc("/v1/jobs/{id}/live", live.ServeWS(hub))

	wh := &httpserver.Webhook{Store: st, Sync: syncer, Secret: cfg.WebhookSecret}
	wh.Register(s.Router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(s.Router),
	}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine http listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); hub.Run(ctx) }()
	go func() { defer wg.Done(); pool.Run(ctx) }()
	go func() {
		defer wg.Done()
		slog.Info("scheduler starting",
			"tick_interval", cfg.TickInterval, "stale_after", cfg.StaleAfter)
		sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("engine http server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Info("engine shutdown timeout waiting for loops")
	}
}
