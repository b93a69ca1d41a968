// Command gateway runs the Upstream Dispatch Gateway: it loads
// configuration, opens the Account Store, wires the Token Manager, Quota
// Ledger, and Dispatch Engine together, and serves the south-side HTTP
// surface.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/aigatewayhq/upstream-gateway/internal/config"
	"github.com/aigatewayhq/upstream-gateway/internal/dispatch"
	"github.com/aigatewayhq/upstream-gateway/internal/ledger"
	"github.com/aigatewayhq/upstream-gateway/internal/quota"
	"github.com/aigatewayhq/upstream-gateway/internal/registry"
	"github.com/aigatewayhq/upstream-gateway/internal/store"
	"github.com/aigatewayhq/upstream-gateway/internal/tokenmanager"
	"github.com/aigatewayhq/upstream-gateway/sdk/api/handlers"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("gateway: load config failed")
	}
	setupLogging(cfg)

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		log.WithError(err).Fatal("gateway: config watcher init failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.DSN, int32(cfg.Database.MaxOpenConns), int32(cfg.Database.MaxIdleConns))
	if err != nil {
		log.WithError(err).Fatal("gateway: open account store failed")
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("gateway: ensure schema failed")
	}

	authManager := coreauth.NewManager(nil)
	authManager.SetPersistFunc(func(ctx context.Context, a *coreauth.Auth) error {
		return st.UpdateMetadata(ctx, a.Provider, a.ID, a.Metadata)
	})
	seedAuthManager(ctx, st, authManager)

	tm := tokenmanager.NewManager(authManager, st, http.DefaultClient, providerCredentials(cfg))

	modelRegistry := registry.NewModelRegistry()

	poller := quota.NewPoller(authManager)
	poller.SetConfig(cfg)
	poller.SetModelRegistry(modelRegistry)
	poller.Start(ctx)

	quotaLedger := ledger.New(st, registry.GetAntigravityQuotaGroupID, cfg.SharedPoolMultiplier)
	go quotaLedger.RunRecoveryScheduler(ctx, time.Hour, 0.25, ctx.Done())

	// ProjectMint is left unset: this gateway has no loadCodeAssist/
	// onboardUser client. A project-invalid response therefore disables the
	// account and the request moves on to another account.
	engine := dispatch.New(st, tm, quotaLedger, buildHTTPClient(), endpointsFromConfig(cfg))
	engine.RefreshQuota = poller.RefreshOne
	engine.ModelRegistry = modelRegistry
	engine.ModelAlias = modelAliasFromConfig(cfg)
	// Quota-weighted tie-break instead of the engine's literal
	// pick-uniformly-at-random fallback: a deliberate enrichment over
	// spreading load blindly, see DESIGN.md.
	engine.QuotaSelector = coreauth.NewQuotaWeightedSelector()

	watcher.OnReload(func(next *config.Config) {
		poller.SetConfig(next)
		engine.ModelAlias = modelAliasFromConfig(next)
	})
	if err := watcher.Start(ctx.Done()); err != nil {
		log.WithError(err).Warn("gateway: config watcher failed to start")
	}

	h := handlers.New(engine, cfg.ModelProviders, "antigravity")
	admin := handlers.NewAdmin(st)

	router := newRouter(cfg, h, admin)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Infof("gateway: listening on %s", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gateway: http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("gateway: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway: graceful shutdown failed")
	}
}

func newRouter(cfg *config.Config, h *handlers.Handler, admin *handlers.AdminHandler) *gin.Engine {
	router := gin.New()
	router.Use(requestIDMiddleware(), ginLoggerMiddleware(), gin.Recovery())

	south := router.Group("/", handlers.BearerAuth(cfg.APIKeys))
	south.POST("/v1/chat/completions", h.ChatCompletions)
	south.POST("/v1/messages", h.Messages)
	south.POST("/v1beta/models/:model/generateContent", h.GenerateContent)
	south.POST("/v1beta/models/:model/streamGenerateContent", h.GenerateContent)

	adminGroup := router.Group("/admin", handlers.AdminAuth(cfg.AdminAPIKey))
	adminGroup.GET("/accounts", admin.ListAccounts)
	adminGroup.GET("/accounts/:provider/:id", admin.GetAccount)
	adminGroup.POST("/accounts/:provider/:id/status", admin.SetAccountStatus)

	return router
}

// requestIDMiddleware stamps every request with a correlation id threaded
// through logging, mirroring the teacher's request-scoped logging fields.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

func ginLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"path":       c.Request.URL.Path,
		}).Info("gateway: request handled")
	}
}

// setupLogging wires logrus to write structured entries to stdout and, when
// configured, a rotated file (lumberjack), matching the teacher's logging
// shape.
func setupLogging(cfg *config.Config) {
	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logging.File == "" {
		log.SetOutput(os.Stdout)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

func buildHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

func endpointsFromConfig(cfg *config.Config) map[string][]dispatch.Endpoint {
	out := make(map[string][]dispatch.Endpoint, len(cfg.Endpoints))
	for provider, eps := range cfg.Endpoints {
		list := make([]dispatch.Endpoint, 0, len(eps))
		for _, ep := range eps {
			list = append(list, dispatch.Endpoint{BaseURL: ep.BaseURL, Region: ep.Region})
		}
		out[provider] = list
	}
	return out
}

func modelAliasFromConfig(cfg *config.Config) map[string]map[string]string {
	out := make(map[string]map[string]string, len(cfg.OAuthModelAlias))
	for provider, entries := range cfg.OAuthModelAlias {
		m := make(map[string]string, len(entries))
		for _, e := range entries {
			if e.Name != "" && e.Alias != "" {
				m[e.Name] = e.Alias
			}
		}
		out[provider] = m
	}
	return out
}

func providerCredentials(cfg *config.Config) map[string]tokenmanager.ProviderCredentials {
	out := make(map[string]tokenmanager.ProviderCredentials, len(cfg.Providers))
	for provider, pc := range cfg.Providers {
		out[provider] = tokenmanager.ProviderCredentials{ClientID: pc.ClientID, ClientSecret: pc.ClientSecret}
	}
	return out
}

// seedAuthManager populates the in-memory auth cache from the durable
// Account Store at startup; GetAvailable's filtering is wrong here since
// disabled/needs-reauth accounts still need a known id for later
// UpdateStatus/MarkNeedsReauth calls routed through the manager.
func seedAuthManager(ctx context.Context, st *store.Store, authManager *coreauth.Manager) {
	accounts, err := st.ListAll(ctx)
	if err != nil {
		log.WithError(err).Fatal("gateway: seed auth manager failed")
	}
	for _, a := range accounts {
		authManager.Register(a)
	}
	log.Infof("gateway: seeded %d accounts into auth manager", len(accounts))
}
