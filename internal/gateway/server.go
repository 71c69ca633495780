package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/config"
	"github.com/wharflabs/wharf/internal/logging"
)

// Handler returns the assembled handler chain, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run serves until SIGINT or SIGTERM, reloading catalogs on SIGHUP and on
// catalog file changes when watching is enabled.
func (g *Gateway) Run() error {
	srv := &http.Server{
		Addr:              g.cfg.Listen.Address,
		Handler:           g.handler,
		ReadTimeout:       g.cfg.Listen.ReadTimeout,
		WriteTimeout:      g.cfg.Listen.WriteTimeout,
		IdleTimeout:       g.cfg.Listen.IdleTimeout,
		ReadHeaderTimeout: g.cfg.Listen.ReadHeaderTimeout,
		MaxHeaderBytes:    g.cfg.Listen.MaxHeaderBytes,
	}

	go g.agg.Run()

	if g.cfg.Catalogs.Watch {
		watcher, err := config.NewCatalogWatcher(
			[]string{g.cfg.Catalogs.ServicesPath, g.cfg.Catalogs.TenantsPath},
			func(string) { g.ReloadCatalogs() },
		)
		if err != nil {
			return err
		}
		g.watcher = watcher
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-errCh:
			g.shutdownComponents()
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				g.log.Info("reload signal received")
				g.ReloadCatalogs()
				continue
			}
			g.log.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Listen.ShutdownGrace)
			err := srv.Shutdown(ctx)
			cancel()
			g.shutdownComponents()
			return err
		}
	}
}

// ReloadCatalogs re-reads both catalog files. Either reload failing leaves
// that catalog's previous state serving.
func (g *Gateway) ReloadCatalogs() {
	if err := g.reg.Reload(); err != nil {
		logging.Error("service catalog reload failed", zap.Error(err))
	}
	if err := g.tenants.Reload(); err != nil {
		logging.Error("tenant catalog reload failed", zap.Error(err))
	}
	g.resolver.Invalidate()
}

func (g *Gateway) shutdownComponents() {
	g.agg.Stop()
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if closer, ok := g.limiter.(interface{ Close() }); ok {
		closer.Close()
	}
	g.cancel()
	logging.Sync()
}
