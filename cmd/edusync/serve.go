package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/internal/server"
	"github.com/chmdznr/edusync/pkg/models"
)

// serve runs the reference remote authority over HTTP.
func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var objects remote.ObjectStore
	if c.Bool("memory") {
		objects = remote.NewMemoryObjects()
		logger.Warn("using in-memory storage, data is lost on exit")
	} else {
		storage := cfg.Server.Storage
		if storage.Endpoint == "" {
			return fmt.Errorf("server storage endpoint not configured (use --memory for a throwaway server)")
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		objects, err = remote.NewMinioObjects(cctx, remote.MinioConfig{
			Endpoint:  storage.Endpoint,
			Bucket:    storage.Bucket,
			AccessKey: storage.AccessKey,
			SecretKey: storage.SecretKey,
			Secure:    storage.Secure,
		})
		cancel()
		if err != nil {
			return err
		}
		logger.Info("connected to storage", zap.String("endpoint", storage.Endpoint), zap.String("bucket", storage.Bucket))
	}

	bucket := remote.NewBucket(objects, cfg.GetSessionTTL(), logger)
	for _, seed := range c.StringSlice("user") {
		name, password, role, err := parseUser(seed)
		if err != nil {
			return err
		}
		if err := bucket.AddUser(ctx, name, password, name, role); err != nil {
			return fmt.Errorf("failed to add user %s: %w", name, err)
		}
		logger.Info("user added", zap.String("username", name), zap.String("role", string(role)))
	}

	listen := cfg.Server.Listen
	if v := c.String("listen"); v != "" {
		listen = v
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           server.NewRouter(bucket, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// parseUser splits a name:password:role seed.
func parseUser(seed string) (string, string, models.Role, error) {
	parts := strings.SplitN(seed, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid user %q: want name:password:role", seed)
	}
	role := models.Role(parts[2])
	if !role.Valid() {
		return "", "", "", fmt.Errorf("invalid user %q: unknown role %q", seed, parts[2])
	}
	return parts[0], parts[1], role, nil
}
