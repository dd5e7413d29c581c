package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"docstore/api/internal/app"
	"docstore/api/internal/attachment"
	"docstore/api/internal/blob"
	"docstore/api/internal/cache"
	"docstore/api/internal/config"
	"docstore/api/internal/metrics"
	"docstore/api/internal/resource"
	"docstore/api/internal/search"
	"docstore/api/internal/store"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions, cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, rootOpts.logger(cmd))
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	cmd.Flags().StringVar(&cfg.ResourcesFile, "resources", cfg.ResourcesFile, "resource declarations (YAML)")
	cmd.Flags().StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin value")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	resources, err := resource.LoadFile(cfg.ResourcesFile)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, store.Migrations())
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	for _, version := range applied {
		log.Info().Str("version", version).Msg("migration applied")
	}

	var documents store.Documents = store.NewPostgresStore(db)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		documents = cache.New(documents, client, cfg.CacheTTL, log)
		log.Info().Dur("ttl", cfg.CacheTTL).Msg("document cache enabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	objects, err := objectStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	var mirror *search.Mirror
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, resources.IndexSpecs(), log)
		defer meili.Close()
		mirror = search.NewMirror(meili, log)
	}

	service := app.NewService(app.Options{
		Store:     documents,
		Resources: resources,
		Files: &attachment.Reconciler{
			Objects: objects,
			Logger:  log,
			Metrics: m,
		},
		Mirror:  mirror,
		Metrics: m,
		Logger:  log,
	})
	defer service.Wait()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).WithMetrics(m, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Strs("resources", resources.Names()).Msg("docstore API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}

// objectStore connects to S3 compatible storage, or keeps attachments in
// memory when no endpoint is configured.
func objectStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (blob.Store, error) {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		log.Warn().Msg("S3_ENDPOINT not set; attachments are kept in memory")
		return blob.NewMemory("http://localhost" + cfg.Addr + "/files"), nil
	}
	objects, err := blob.NewMinIO(ctx, blob.MinIOConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
		URLExpiry: cfg.S3URLExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return objects, nil
}
