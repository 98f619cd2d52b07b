// The gateway server: an HTTP/SSE front door that brokers conversations
// between end users and model providers while exposing per-user MCP tool
// servers to the model.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/config"
	"github.com/yhyyz/mcp-agent-gateway/pkg/server"
)

func main() {
	var (
		host     = flag.String("host", "", "bind address (overrides MCP_SERVICE_HOST)")
		port     = flag.Int("port", 0, "bind port (overrides MCP_SERVICE_PORT)")
		confPath = flag.String("conf", "", "JSON file with the model catalog and shared MCP servers")
	)
	flag.Parse()

	cfg := config.Load()
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	setupLogging(cfg.LogDir)

	if err := cfg.LoadConfFile(*confPath); err != nil {
		log.Fatal().Err(err).Msg("invalid config file")
	}
	if cfg.APIKey == "" {
		log.Fatal().Msg("API_KEY must be set")
	}

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:        srv.Addr,
		Handler:     srv.Handler,
		ReadTimeout: 60 * time.Second,
		// No write timeout: SSE streams stay open for the life of a
		// conversation turn.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", srv.Addr).
		Bool("https", cfg.UseHTTPS).
		Int("models", len(cfg.Models)).
		Msg("gateway listening")

	if cfg.UseHTTPS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			log.Fatal().Msg("USE_HTTPS requires SSL_CERT_FILE_PATH and SSL_KEY_FILE_PATH")
		}
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// setupLogging writes console output to stderr and, when LOG_DIR is set,
// a JSON copy to a file in that directory.
func setupLogging(logDir string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var writer io.Writer = console
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			path := filepath.Join(logDir, "gateway.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				writer = zerolog.MultiLevelWriter(console, f)
			}
		}
	}
	log.Logger = log.Output(writer)
}
