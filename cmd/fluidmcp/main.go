// FluidMCP gateway: supervises MCP stdio servers, bridges them onto an HTTP
// and SSE surface, and proxies LLM providers under an OpenAI-compatible
// namespace.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fluidmcp/fluidmcp/pkg/api"
	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/database"
	"github.com/fluidmcp/fluidmcp/pkg/health"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
	"github.com/fluidmcp/fluidmcp/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fluidmcp <command> [flags]

Commands:
  run      Launch the gateway from a configuration file
  serve    Launch the API-only gateway; records are managed over the admin API
  install  Materialise a package directory in the local cache

Run 'fluidmcp <command> -h' for command flags.
`)
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "serve":
		os.Exit(serveCmd(os.Args[2:]))
	case "install":
		os.Exit(installCmd(os.Args[2:]))
	case "version":
		fmt.Println(version.Full())
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

// runCmd launches the full gateway from a configuration file.
func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", getEnv("FLUIDMCP_CONFIG", "fluidmcp.yaml"), "Path to the configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return 1
	}
	return runGateway(cfg, true)
}

// serveCmd launches the API-only gateway: registries start empty (or seeded
// from the database) and the admin endpoints manage server records.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", envInt("FLUIDMCP_PORT", 8099), "HTTP listen port")
	dbURL := fs.String("database-url", os.Getenv("FLUIDMCP_DATABASE_URL"), "PostgreSQL DSN; empty disables persistence")
	_ = fs.Parse(args)

	cfg := config.Empty()
	cfg.Gateway.Port = *port
	cfg.Gateway.BearerToken = os.Getenv("FLUIDMCP_BEARER_TOKEN")
	cfg.Gateway.DatabaseURL = *dbURL
	if origins := os.Getenv("FLUIDMCP_CORS_ORIGINS"); origins != "" {
		cfg.Gateway.CORSOrigins = strings.Split(origins, ",")
	}
	return runGateway(cfg, false)
}

func envInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment value", "key", key, "value", v)
		return defaultValue
	}
	return n
}

// runGateway wires the components and blocks until shutdown. autoStart
// launches every configured child before the HTTP surface comes up.
func runGateway(cfg *config.Config, autoStart bool) int {
	slog.Info("Starting FluidMCP",
		"version", version.Full(),
		"port", cfg.Gateway.Port,
		"servers", len(cfg.ServerRegistry.IDs()),
		"models", len(cfg.ModelRegistry.IDs()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	exporter := telemetry.NewRegistry()
	metrics := telemetry.NewGatewayMetrics(exporter)

	// Persistence is optional: no DSN means records live only in memory.
	var store *database.Store
	if dsn := cfg.Gateway.DatabaseURL; dsn != "" {
		var err error
		store, err = database.Open(ctx, dsn)
		if err != nil {
			slog.Error("Failed to open database", "error", err)
			return 1
		}
		defer store.Close()

		records, err := store.LoadRecords(ctx)
		if err != nil {
			slog.Error("Failed to load persisted server records", "error", err)
			return 1
		}
		for id, rec := range records {
			if !cfg.ServerRegistry.Has(id) {
				cfg.ServerRegistry.Put(id, rec)
			}
		}
		slog.Info("Persistence enabled", "records", len(records))
	}

	sup := supervisor.New(cfg.ServerRegistry, metrics, cfg.Gateway.StopGrace())
	monitor := health.New(sup, cfg.ServerRegistry, cfg.Gateway.HealthInterval())
	llmSvc := llm.NewService(cfg.ModelRegistry, metrics)

	if autoStart {
		for _, id := range cfg.ServerRegistry.IDs() {
			if err := sup.Start(ctx, id); err != nil {
				slog.Error("Failed to start child", "server", id, "error", err)
			}
		}
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	go monitor.Run(monitorCtx)

	srv := api.NewServer(cfg.Gateway, cfg.ServerRegistry, sup, monitor, llmSvc, store, metrics, exporter)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		exitCode = 1
	}

	// Shutdown order: probe loop first so it cannot restart children that are
	// being stopped, then the children, then the HTTP surface.
	cancelMonitor()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Gateway.StopGrace()+5*time.Second)
	defer cancelStop()
	sup.StopAll(stopCtx)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return exitCode
}

// packageMetadata is the stub written into a freshly materialised package
// directory. Fetching actual package contents is an external concern; the
// gateway only owns the cache layout.
type packageMetadata struct {
	Package     string    `json:"package"`
	Version     string    `json:"version"`
	InstallPath string    `json:"install_path"`
	InstalledAt time.Time `json:"installed_at"`
	Installer   string    `json:"installer"`
}

// installCmd materialises the cache directory for one package id of the form
// vendor/name[@version].
func installCmd(args []string) int {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	cacheDir := fs.String("cache-dir", getEnv("FLUIDMCP_CACHE_DIR", defaultCacheDir()), "Package cache root")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fluidmcp install [-cache-dir DIR] vendor/name[@version]")
		return 2
	}

	pkgID, pkgVersion := splitPackageID(fs.Arg(0))
	if !strings.Contains(pkgID, "/") {
		fmt.Fprintf(os.Stderr, "invalid package id %q: expected vendor/name\n", pkgID)
		return 2
	}

	installPath := filepath.Join(*cacheDir, filepath.FromSlash(pkgID), pkgVersion)
	if err := os.MkdirAll(installPath, 0o755); err != nil {
		slog.Error("Failed to create package directory", "path", installPath, "error", err)
		return 1
	}

	meta := packageMetadata{
		Package:     pkgID,
		Version:     pkgVersion,
		InstallPath: installPath,
		InstalledAt: time.Now().UTC(),
		Installer:   version.Full(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		slog.Error("Failed to encode package metadata", "error", err)
		return 1
	}
	if err := os.WriteFile(filepath.Join(installPath, "metadata.json"), append(data, '\n'), 0o644); err != nil {
		slog.Error("Failed to write package metadata", "error", err)
		return 1
	}

	slog.Info("Package directory ready", "package", pkgID, "version", pkgVersion, "path", installPath)
	fmt.Println(installPath)
	return 0
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fluidmcp/packages"
	}
	return filepath.Join(home, ".fluidmcp", "packages")
}

func splitPackageID(arg string) (id, ver string) {
	if at := strings.LastIndex(arg, "@"); at > 0 {
		return arg[:at], arg[at+1:]
	}
	return arg, "latest"
}
