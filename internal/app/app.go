package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"twinchat/internal/retention"
	"twinchat/pkg/api"
	"twinchat/pkg/auth"
	"twinchat/pkg/config"
	"twinchat/pkg/gateway"
	"twinchat/pkg/logger"
	"twinchat/pkg/queue"
	"twinchat/pkg/ratelimit"
	"twinchat/pkg/store"
)

// App wires the delivery core together: store, rate limiter, queue manager,
// session gateway, retention sweeper and the HTTP surface.
type App struct {
	cfg     *config.Config
	store   *store.Store
	limiter *ratelimit.Limiter
	queue   *queue.Manager
	gateway *gateway.Gateway
	sweeper *retention.Sweeper
	server  *http.Server
}

// New constructs the app from effective configuration. Everything is built
// here so components receive their dependencies explicitly.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(profileOverrides(cfg.Limits.Categories))

	qm := queue.NewManager(st, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Expiry:      cfg.Queue.Expiry.Duration(),
		Backoff:     cfg.Queue.BackoffDurations(),
		SweepBatch:  cfg.Queue.SweepBatch,
	})

	verifier, err := auth.NewHMACVerifier(cfg.Security.SigningKeys)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gw := gateway.New(gateway.Options{
		Verifier:        verifier,
		Store:           st,
		Queue:           qm,
		Limiter:         limiter,
		MaxContentBytes: int(cfg.Limits.MaxContentBytes.Int64()),
		AllowedOrigins:  cfg.Security.CORS.AllowedOrigins,
	})

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		sweeper, err = retention.New(st, qm, gw, cfg.Retention)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	handler := api.Handler(api.Deps{
		Store:   st,
		Queue:   qm,
		Limiter: limiter,
		Gateway: gw,
		Sweeper: sweeper,
		ServeWS: gw.ServeWS,
	})
	mw := auth.Middleware(auth.SecConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.Ingress.RPS,
		Burst:          cfg.Security.Ingress.Burst,
		BackendKeys:    keySet(cfg.Security.APIKeys.Backend),
		FrontendKeys:   keySet(cfg.Security.APIKeys.Frontend),
		AdminKeys:      keySet(cfg.Security.APIKeys.Admin),
	})

	return &App{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		queue:   qm,
		gateway: gw,
		sweeper: sweeper,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mw(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.limiter.StartCleanup(ctx, a.cfg.Limits.CleanupInterval.Duration())
	a.startRetrySweep(ctx)
	if a.sweeper != nil {
		stop := a.sweeper.Start(ctx)
		defer stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.server.Addr,
			"tls", a.cfg.Server.TLS.CertFile != "")
		var err error
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			err = a.server.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = a.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_forced", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}

// startRetrySweep drives queued-delivery retries on a fixed interval. The
// gateway resolves live connections per recipient on each pass.
func (a *App) startRetrySweep(ctx context.Context) {
	interval := a.cfg.Queue.SweepInterval.Duration()
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.queue.RetrySweep(ctx, a.gateway); err != nil {
					logger.Error("retry_sweep_failed", "error", err)
				}
			}
		}
	}()
}

func profileOverrides(in map[string]config.Profile) map[string]ratelimit.Profile {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Profile, len(in))
	for cat, p := range in {
		out[cat] = ratelimit.Profile{Capacity: p.Capacity, RefillRate: p.RefillRate}
	}
	return out
}

func keySet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}
