package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/bss-eventstore/internal/api"
	"github.com/example/bss-eventstore/internal/auth"
	"github.com/example/bss-eventstore/internal/common/configs"
	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/common/logger"
	"github.com/example/bss-eventstore/internal/infrastructure/backend"
	"github.com/example/bss-eventstore/internal/replay"
)

const serviceName = "eventstore-admin"

func main() {
	mintToken := flag.String("mint-token", "", "print a signed token for this subject and exit")
	role := flag.String("role", auth.RoleReader, "role of the minted token (admin or reader)")
	checkIntegrity := flag.String("check-integrity", "", "print the integrity report of this aggregate and exit")
	flag.Parse()

	cfg, err := configs.Load(serviceName)
	if err != nil {
		log.Fatalf("[Admin] Invalid configuration: %v", err)
	}
	l, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Admin] Failed to create logger: %v", err)
	}

	if *mintToken != "" {
		if err := printToken(cfg, *mintToken, *role); err != nil {
			log.Fatalf("[Admin] %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg, l)
	if err != nil {
		l.Error("failed to open stores", logattr.Error(err))
		os.Exit(1)
	}
	defer stores.Close(context.Background())

	replayService := replay.NewService(stores.Events, nil, replay.WithLogger(l))

	if *checkIntegrity != "" {
		report, err := replayService.CheckIntegrity(ctx, *checkIntegrity)
		if err != nil {
			l.Error("integrity check failed", logattr.AggregateID(*checkIntegrity), logattr.Error(err))
			os.Exit(1)
		}
		_ = json.NewEncoder(os.Stdout).Encode(report)
		if !report.Valid {
			os.Exit(2)
		}
		return
	}

	if err := serve(ctx, cfg, l, api.NewHandlers(stores.Events, stores.Snapshots, replayService, l)); err != nil {
		l.Error("server error", logattr.Error(err))
		os.Exit(1)
	}
}

func printToken(cfg configs.Config, subject, role string) error {
	if err := cfg.RequireJWTSecret(); err != nil {
		return err
	}
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)
	token, expiresAt, err := jwtService.GenerateToken(subject, role)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	fmt.Fprintf(os.Stderr, "token for %s (%s) expires at %s\n", subject, role, expiresAt.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

func serve(ctx context.Context, cfg configs.Config, l *slog.Logger, handlers *api.Handlers) error {
	if err := cfg.RequireJWTSecret(); err != nil {
		return err
	}
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(handlers, jwtService, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("server started", slog.String("addr", server.Addr), slog.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
