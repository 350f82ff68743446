package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fluxproxy/fluxproxy/internal/config"
	"github.com/fluxproxy/fluxproxy/internal/logging"
	"github.com/fluxproxy/fluxproxy/internal/proxy"
	"github.com/fluxproxy/fluxproxy/internal/server"
	"github.com/fluxproxy/fluxproxy/internal/store"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Server command flags
var (
	serverEnvFile    string
	serverListenAddr string
	serverDBPath     string
	serverUpstream   string
	serverLogLevel   string
	serverLogFile    string
	noBrowser        bool
	debugMode        bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the FluxProxy server",
	Long:  `Start the proxy, the interaction log, and the dashboard.`,
	Run:   runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverEnvFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	serverCmd.Flags().StringVar(&serverListenAddr, "addr", config.EnvOrDefault("FLUXPROXY_ADDR", ""), "Address to listen on (overrides env var)")
	serverCmd.Flags().StringVar(&serverDBPath, "db", config.EnvOrDefault("FLUXPROXY_DB", ""), "Path to SQLite database (overrides env var)")
	serverCmd.Flags().StringVar(&serverUpstream, "upstream", config.EnvOrDefault("OLLAMA_HOST", ""), "Base URL of the Ollama server (overrides env var)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides env var)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", config.EnvOrDefault("LOG_FILE", ""), "Path to log file (overrides env var, default: stdout)")
	serverCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open the dashboard in a browser on startup")
	serverCmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
}

func runServer(cmd *cobra.Command, args []string) {
	// Load .env file if it exists
	if _, err := os.Stat(serverEnvFile); err == nil {
		if err := godotenv.Load(serverEnvFile); err != nil {
			log.Printf("Warning: Error loading %s file: %v", serverEnvFile, err)
		}
	}

	// Apply command line overrides to environment variables
	if serverListenAddr != "" {
		if err := os.Setenv("FLUXPROXY_ADDR", serverListenAddr); err != nil {
			log.Fatalf("Failed to set FLUXPROXY_ADDR environment variable: %v", err)
		}
	}
	if serverDBPath != "" {
		if err := os.Setenv("FLUXPROXY_DB", serverDBPath); err != nil {
			log.Fatalf("Failed to set FLUXPROXY_DB environment variable: %v", err)
		}
	}
	if serverUpstream != "" {
		if err := os.Setenv("OLLAMA_HOST", serverUpstream); err != nil {
			log.Fatalf("Failed to set OLLAMA_HOST environment variable: %v", err)
		}
	}
	if serverLogLevel != "" {
		if err := os.Setenv("LOG_LEVEL", serverLogLevel); err != nil {
			log.Fatalf("Failed to set LOG_LEVEL environment variable: %v", err)
		}
	}
	if serverLogFile != "" {
		if err := os.Setenv("LOG_FILE", serverLogFile); err != nil {
			log.Fatalf("Failed to set LOG_FILE environment variable: %v", err)
		}
	}
	if debugMode || os.Getenv("DEBUG") == "1" {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if noBrowser {
		cfg.OpenBrowser = false
	}

	zapLogger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := zapLogger.Sync(); err != nil {
			if !strings.Contains(err.Error(), "inappropriate ioctl for device") {
				log.Printf("Error syncing zap logger: %v", err)
			}
		}
	}()

	// Fail fast if the configured address is already in use
	if ln, err := net.Listen("tcp", cfg.ListenAddr); err != nil {
		zapLogger.Fatal("Listen address unavailable (already in use?)", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	} else {
		_ = ln.Close()
	}

	st, err := store.Open(store.Config{
		Path:         cfg.DatabasePath,
		HistoryLimit: cfg.HistoryLimit,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	zapLogger.Info("Connected to SQLite database", zap.String("path", cfg.DatabasePath))

	engine := proxy.New(cfg, st, zapLogger, proxy.NewPromMetrics(prometheus.DefaultRegisterer))
	s := server.New(cfg, st, engine, zapLogger)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Server error", zap.Error(err))
		}
	}()

	fmt.Println(server.Banner(cfg.ListenAddr))
	zapLogger.Info("Server started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("upstream", cfg.OllamaHost),
		zap.Bool("cache_enabled", cfg.CacheEnabled))

	if cfg.OpenBrowser {
		go openDashboard(cfg.ListenAddr, zapLogger)
	}

	select {
	case <-done:
		zapLogger.Info("Signal received, shutting down...")
	case <-s.ShutdownRequested():
		zapLogger.Info("Shutdown requested via API, shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Drains any queued interaction writes before the process exits.
	if err := st.Close(); err != nil {
		zapLogger.Error("Failed to close database", zap.Error(err))
	}

	zapLogger.Info("Server exited gracefully")
}

// openDashboard launches the system browser pointed at the dashboard,
// after a short delay so the listener is up first.
func openDashboard(addr string, logger *zap.Logger) {
	time.Sleep(time.Second)

	url := "http://localhost" + addr
	if !strings.HasPrefix(addr, ":") {
		url = "http://" + addr
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Debug("failed to open browser", zap.String("url", url), zap.Error(err))
	}
}
