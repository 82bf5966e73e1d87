// Command livetest starts the live test session server.
//
// It supports two modes:
//  1. "server" (default): runs the HTTP server exposing the REST API, the /ws
//     websocket endpoint for live sessions, and an /mcp HTTP endpoint
//  2. "stdio-mcp": runs an MCP stdio server and spins up an internal HTTP API if none is available
//
// Settings come from LIVETEST_* environment variables (and a .env file);
// flags override the common ones.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/livetest/api"
	"github.com/wricardo/livetest/config"
	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/results"
	"github.com/wricardo/livetest/live/service"
	"github.com/wricardo/livetest/live/session"
	"github.com/wricardo/livetest/transport/mcp"
	"github.com/wricardo/livetest/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Live Test Server"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cmd := newCommand()
	cmd.Before = func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
		if envErr != nil && !os.IsNotExist(envErr) {
			slog.Warn("error loading .env file", "error", envErr)
		}
		return ctx, nil
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "livetest",
		Usage:   AppName,
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "HTTP server host (LIVETEST_HOST)"},
			&cli.IntFlag{Name: "port", Usage: "HTTP server port (LIVETEST_PORT)"},
			&cli.StringFlag{Name: "content-dir", Usage: "Directory containing question sets (LIVETEST_CONTENT_DIR)"},
			&cli.StringFlag{Name: "sinks", Usage: "Comma separated results sinks: file, sqlite, redis, kafka or none (LIVETEST_RESULTS_SINKS)"},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging (LIVETEST_DEBUG)"},
			&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel (LIVETEST_NGROK_ENABLED)"},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token (or NGROK_AUTHTOKEN)"},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)"},
		},
		Commands: []*cli.Command{
			{
				Name:    "server",
				Aliases: []string{"http"},
				Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint (default)",
				Action:  serverAction,
			},
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp-stdio", "mcp"},
				Usage:   "Run MCP stdio server with internal HTTP server",
				Action:  stdioMCPAction,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "%s %s\n", AppName, Version)
					return nil
				},
			},
		},
		Action: serverAction,
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("content-dir") {
		cfg.ContentDir = cmd.String("content-dir")
	}
	if cmd.IsSet("sinks") {
		cfg.SetSinks(cmd.String("sinks"))
	}
	if cmd.Bool("debug") {
		cfg.Debug = true
	}
	if cmd.Bool("ngrok") {
		cfg.Ngrok.Enabled = true
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.Ngrok.AuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}
	if cfg.Ngrok.AuthToken == "" {
		cfg.Ngrok.AuthToken = os.Getenv("NGROK_AUTHTOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger logs JSON to stderr, or text when debugging. Stdout stays free
// for the MCP stdio transport.
func newLogger(debug bool) *slog.Logger {
	var handler slog.Handler
	if debug {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// app holds the wired services shared by both modes.
type app struct {
	service  service.LiveService
	registry *session.Manager
	endpoint *websocket.Endpoint
	closers  []io.Closer
}

func (a *app) close(logger *slog.Logger) {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close results sink", "sink", fmt.Sprintf("%T", c), "error", err)
		}
	}
}

// buildSinks opens every configured results sink. The returned store is
// the first sink that can read records back, or nil.
func buildSinks(cfg *config.Config) (results.Sink, results.Store, []io.Closer, error) {
	var sinks []results.Sink
	var closers []io.Closer

	fail := func(err error) (results.Sink, results.Store, []io.Closer, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, nil, err
	}

	for _, name := range cfg.ResultsSinks {
		var sink results.Sink
		switch name {
		case config.SinkFile:
			fs, err := results.NewFileSink(cfg.ResultsDir)
			if err != nil {
				return fail(err)
			}
			sink = fs
		case config.SinkSQLite:
			db, err := results.OpenSQLite(cfg.SQLitePath)
			if err != nil {
				return fail(err)
			}
			sink = db
		case config.SinkRedis:
			rs, err := results.NewRedisSink(results.RedisConfig{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
				TTL:       cfg.Redis.TTL,
			})
			if err != nil {
				return fail(err)
			}
			sink = rs
		case config.SinkKafka:
			ks, err := results.NewKafkaSink(results.KafkaConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.Topic,
			})
			if err != nil {
				return fail(err)
			}
			sink = ks
		default:
			return fail(fmt.Errorf("unknown results sink %q", name))
		}

		sinks = append(sinks, sink)
		if c, ok := sink.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	store := results.FirstStore(sinks...)
	switch len(sinks) {
	case 0:
		return nil, nil, nil, nil
	case 1:
		return sinks[0], store, closers, nil
	default:
		return results.Fanout(sinks), store, closers, nil
	}
}

// initializeServices wires question sets, results sinks, the session
// registry and the service layer. Sessions live until ctx is cancelled.
func initializeServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	tests, err := content.NewManager(cfg.ContentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create content manager: %w", err)
	}

	sink, store, closers, err := buildSinks(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open results sinks: %w", err)
	}

	registry := session.NewManager(ctx, session.Options{
		CodeLength: cfg.CodeLength,
		Retention:  cfg.Retention,
		Settings:   cfg.SessionSettings(),
		Sink:       sink,
		Logger:     logger,
	})

	svc := service.NewLiveService(registry, tests, store, logger)
	endpoint := websocket.NewEndpoint(svc, websocket.Options{
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})

	logger.Info("services initialized",
		"content_dir", cfg.ContentDir,
		"sinks", cfg.ResultsSinks,
		"readable_results", store != nil)

	return &app{
		service:  svc,
		registry: registry,
		endpoint: endpoint,
		closers:  closers,
	}, nil
}

// reapRoutine periodically removes completed sessions past retention.
func reapRoutine(ctx context.Context, registry *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			registry.ReapExpired(now)
		}
	}
}

// mcpHandler serves MCP JSON-RPC messages over plain HTTP POST.
func mcpHandler(client *mcp.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := client.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	}
}

func serverAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)
	logger.Info("starting", "app", AppName, "version", Version, "mode", "server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sessions outlive the signal context so shutdown can complete them.
	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	a, err := initializeServices(sessionsCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	return runHTTPServer(ctx, cfg, a, logger)
}

// runHTTPServer serves the REST API, the websocket endpoint and /mcp until
// ctx is cancelled. If ngrok is enabled it also serves through a tunnel.
func runHTTPServer(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) error {
	addr := cfg.Addr()

	apiServer := api.NewServer(a.service, a.endpoint, logger)
	mcpClient := mcp.NewClient("http://" + addr)
	apiServer.Handle("/mcp", mcpHandler(mcpClient)).Methods("POST")

	// No write timeout: websocket connections are long lived.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     apiServer,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("HTTP server listening",
			"addr", addr,
			"api", "http://"+addr+"/api",
			"websocket", "ws://"+addr+"/ws",
			"mcp", "http://"+addr+"/mcp")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reapRoutine(ctx, a.registry, cfg.ReapInterval)
	}()

	if cfg.Ngrok.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, cfg.Ngrok, apiServer, logger)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("HTTP server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}
	// Completes running sessions and waits for their results handoff.
	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}

	wg.Wait()
	logger.Info("server stopped")
	return runErr
}

func runNgrok(ctx context.Context, cfg config.NgrokConfig, handler http.Handler, logger *slog.Logger) {
	if cfg.AuthToken == "" {
		logger.Warn("ngrok enabled but no auth token provided (use --ngrok-auth, LIVETEST_NGROK_AUTHTOKEN or NGROK_AUTHTOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	logger.Info("starting ngrok tunnel", "domain", cfg.Domain)
	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		logger.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	ngrokURL := tun.URL()
	logger.Info("ngrok tunnel established",
		"url", ngrokURL,
		"websocket", strings.Replace(ngrokURL, "https://", "wss://", 1)+"/ws")

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
		tun.Close()
	}()

	if err := srv.Serve(tun); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("ngrok server error", "error", err)
	}
	logger.Info("ngrok tunnel closed")
}

func stdioMCPAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)

	baseURL, shutdown, err := resolveAPI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	mcpClient := mcp.NewClient(baseURL)
	logger.Info("MCP stdio server ready", "api", baseURL)

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

// resolveAPI reuses a server already listening on the configured address,
// or starts an internal one on a random loopback port.
func resolveAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, func(), error) {
	externalURL := "http://" + cfg.Addr()

	testClient := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, "GET", externalURL+"/api/health", nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := testClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			logger.Info("using external API server", "url", externalURL)
			return externalURL, func() {}, nil
		}
	}

	logger.Info("no external API server found, starting internal HTTP server")

	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	a, err := initializeServices(sessionsCtx, cfg, logger)
	if err != nil {
		cancelSessions()
		return "", nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancelSessions()
		a.close(logger)
		return "", nil, fmt.Errorf("failed to get available port: %w", err)
	}

	httpServer := &http.Server{Handler: api.NewServer(a.service, a.endpoint, logger)}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("internal HTTP server error", "error", err)
		}
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		a.registry.Shutdown(shutdownCtx)
		cancelSessions()
		a.close(logger)
	}
	return "http://" + listener.Addr().String(), shutdown, nil
}
