package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"study-init/backend/internal/api"
	"study-init/backend/internal/auth"
	"study-init/backend/internal/mcp"
	"study-init/backend/internal/tls"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs fails if the backend app requires a secret")
	}

	authz, err := auth.New(ctx, cfg, a.store, a.store, logger.With("component", "auth"))
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ProblemErrorHandler(logger)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("study-init", otelecho.WithSkipper(func(c echo.Context) bool {
		return strings.HasPrefix(c.Path(), "/ws/")
	})))

	e.GET("/health", api.HealthHandler(a.store))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, &api.Server{
		Init:      a.orch,
		Mappings:  a.engine,
		Templates: a.templates,
		Access:    authz,
	})
	logger.Info("REST API handlers mounted")

	e.GET("/ws/studies/:studyId", a.hub.Handler(authz.UserID, authz.AuthorizeStudy))

	mcpServer := mcp.NewServer(a.orch, a.engine, a.templates)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	spec, err := api.LoadSpec(ctx, cfg.Server.OpenAPIFile, cfg.Auth.OktaDomain)
	if err != nil {
		logger.Warn("API docs disabled", "error", err)
	} else {
		e.GET("/openapi.yaml", api.SpecHandler(spec))
		e.GET("/docs", api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID, auth.AllScopes))
		e.GET("/docs/oauth2-redirect.html", api.OAuthRedirectHandler)
	}

	addr := cfg.Server.Addr
	if cfg.TLS.Enable {
		addr = cfg.Server.TLSAddr
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	if cfg.Orchestrator.ReapInterval > 0 {
		go a.orch.RunReaper(reaperCtx, cfg.Orchestrator.ReapInterval)
	} else {
		logger.Warn("Stuck-run reaper disabled")
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	a.hub.Close()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown error", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
