// Command persons serves person store requests, as an AWS Lambda function
// when run by the Lambda runtime and as a newline-delimited JSON filter on
// stdin/stdout otherwise.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacentio/personstore/docstore/metrics"
	"github.com/jacentio/personstore/handler"
	"github.com/jacentio/personstore/internal/backend"
	"github.com/jacentio/personstore/internal/config"
	"github.com/jacentio/personstore/person"
)

var version = "dev"

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("persons", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("backend", cfg.Backend),
		zap.String("collection", cfg.Collection),
	)

	client, closeBackend, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := closeBackend(shutdownCtx); err != nil {
			logger.Warn("close backend", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		client = metrics.Wrap(client, prometheus.DefaultRegisterer)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	h := handler.NewHandler(person.NewWithCollection(client, cfg.Collection), logger)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return nil
	}
	return serve(ctx, h, os.Stdin, os.Stdout, logger)
}

// serve answers one JSON request per input line with one JSON response
// line. Malformed lines get an error response and do not stop the loop.
func serve(ctx context.Context, h *handler.Handler, in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req handler.Request
		var resp handler.Response
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("malformed request", zap.Error(err))
			resp = handler.Response{Message: fmt.Sprintf("malformed request: %v", err)}
		} else {
			resp, _ = h.Handle(ctx, req)
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}
