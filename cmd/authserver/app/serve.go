package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	authserver "github.com/giantswarm/oauth-authserver"
	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/config"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/memory"
	"github.com/giantswarm/oauth-authserver/storage/valkey"
)

const (
	shutdownTimeout   = 10 * time.Second
	keyPruneInterval  = 10 * time.Minute
	readHeaderTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Runs the authorization server. SIGHUP reloads the signing keys from the key
directory; SIGINT and SIGTERM shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// app holds the assembled components of a running server
type app struct {
	inst    *instrumentation.Instrumentation
	store   storage.Store
	keys    *keys.Manager
	server  *server.Server
	handler *authserver.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires the configured components together
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	exporter := instrumentation.ExporterNone
	if cfg.Metrics.Enabled {
		exporter = instrumentation.ExporterPrometheus
	}
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: Version,
		Enabled:        cfg.Metrics.Enabled,
		MetricExporter: exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.inst = inst
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	})

	auditor := security.NewAuditor(logger, cfg.Audit)
	auditor.SetMetrics(inst.Metrics())

	if a.store, err = newStore(cfg, logger, inst); err != nil {
		return nil, err
	}
	switch s := a.store.(type) {
	case *memory.Store:
		a.closers = append(a.closers, s.Stop)
	case *valkey.Store:
		a.closers = append(a.closers, s.Close)
	}

	keyStore, err := newKeyStore(cfg)
	if err != nil {
		return nil, err
	}
	a.keys, err = keys.NewManager(ctx, keys.Config{
		Algorithm:        cfg.Keys.Algorithm,
		Store:            keyStore,
		MaxTokenLifetime: cfg.Keys.MaxTokenLifetime,
		Logger:           logger,
		Auditor:          auditor,
		Instrumentation:  inst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	srvCfg := cfg.ServerConfig()
	srvCfg.Logger = logger
	srvCfg.Auditor = auditor
	srvCfg.Instrumentation = inst
	a.server, err = server.New(a.store, a.keys, &srvCfg)
	if err != nil {
		return nil, err
	}

	if err := registerClients(ctx, a.server, cfg, logger); err != nil {
		return nil, err
	}

	dirUsers, err := cfg.DirectoryUsers(bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	users, err := authserver.NewUsers(dirUsers)
	if err != nil {
		return nil, err
	}
	a.server.SetClaimsSource(users)

	hc := cfg.HandlerConfig()
	hc.Authenticator = users
	hc.Logger = logger
	a.handler = authserver.NewHandler(a.server, &hc)
	a.closers = append(a.closers, a.handler.Close)

	ok = true
	return a, nil
}

func newStore(cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageValkey:
		s, err := valkey.New(valkey.Config{
			Address:      cfg.Storage.Valkey.Address,
			Password:     cfg.Storage.Valkey.Password,
			DB:           cfg.Storage.Valkey.DB,
			KeyPrefix:    cfg.Storage.Valkey.KeyPrefix,
			DisableCache: cfg.Storage.Valkey.DisableCache,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		s.SetInstrumentation(inst)
		return s, nil
	default:
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		return s, nil
	}
}

// registerClients registers the configured clients. Registrations are
// immutable, so a client already present in a persistent store is kept.
func registerClients(ctx context.Context, srv *server.Server, cfg *config.Config, logger *slog.Logger) error {
	for _, cc := range cfg.ClientConfigs() {
		_, err := srv.Clients.Register(ctx, cc)
		switch {
		case err == nil:
		case errors.Is(err, server.ErrDuplicateClient):
			logger.Info("Client already registered, keeping the stored registration", "client_id", cc.ClientID)
		default:
			return fmt.Errorf("failed to register client %q: %w", cc.ClientID, err)
		}
	}
	return nil
}

// routes mounts the handler under the issuer's path and adds /metrics
func (a *app) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	prefix := ""
	if u, err := url.Parse(cfg.Issuer); err == nil {
		prefix = strings.TrimSuffix(u.Path, "/")
	}
	if prefix == "" {
		mux.Handle("/", a.handler.Routes())
	} else {
		mux.Handle(prefix+"/", http.StripPrefix(prefix, a.handler.Routes()))
	}

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.routes(cfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go a.maintainKeys(ctx, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"address", cfg.Listen,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage.Type,
			"metrics", cfg.Metrics.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// maintainKeys reloads the signing keys on SIGHUP and prunes expired ones
func (a *app) maintainKeys(ctx context.Context, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(keyPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.keys.Reload(ctx); err != nil {
				logger.Error("Failed to reload signing keys", "error", err)
				continue
			}
			logger.Info("Reloaded signing keys", "active_key", a.keys.ActiveKey().KeyID)
		case <-ticker.C:
			if n, err := a.keys.Prune(ctx); err != nil {
				logger.Warn("Failed to prune signing keys", "error", err)
			} else if n > 0 {
				logger.Info("Pruned signing keys", "count", n)
			}
		}
	}
}
