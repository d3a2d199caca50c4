// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/fawa-io/uploadgate/pkg/auth"
	"github.com/fawa-io/uploadgate/pkg/config"
	"github.com/fawa-io/uploadgate/pkg/cors"
	"github.com/fawa-io/uploadgate/pkg/events"
	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/metrics"
	"github.com/fawa-io/uploadgate/pkg/storage"
	"github.com/fawa-io/uploadgate/service/upload"
)

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			fwlog.Errorf("close: %v", err)
		}
	}
}

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}
	if err := run(context.Background()); err != nil {
		fwlog.Fatalf("uploadgate stopped with error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg := config.Get()
	var cl closers
	defer cl.close()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ledger, err := newLedger(initCtx, cfg.Ledger)
	if err != nil {
		return err
	}
	cl.add(ledger.Close)

	users, err := newUsers(initCtx, cfg.Users)
	if err != nil {
		return err
	}
	if p, ok := users.(*storage.PostgresUsers); ok {
		cl.add(func() error { p.Close(); return nil })
	}

	issuer, err := storage.NewMinioIssuer(storage.MinioOptions{
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		Bucket:          cfg.ObjectStore.Bucket,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Region:          cfg.ObjectStore.Region,
		WriteTTL:        cfg.ObjectStore.WriteTTL,
		ReadTTL:         cfg.ObjectStore.ReadTTL,
	})
	if err != nil {
		return err
	}
	if cfg.ObjectStore.EnsureBucket {
		if err := issuer.EnsureBucket(initCtx); err != nil {
			return err
		}
	}

	var (
		publisher events.Publisher = events.Nop{}
		mq        *events.RabbitMQ
	)
	if cfg.AMQP.URL != "" {
		mq, err = events.Dial(initCtx, events.Options{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Buffer:     cfg.AMQP.Buffer,
		})
		if err != nil {
			return err
		}
		cl.add(mq.Close)
		publisher = mq
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := upload.New(ledger, users, issuer,
		upload.WithLimits(config.Limits),
		upload.WithMetrics(m),
		upload.WithEvents(publisher),
	)

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
	} else {
		fwlog.Warn("auth.jwtSecret is empty, upload requests are not authenticated")
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           cors.NewCORS(cfg.Server.AllowedOrigins).Handler(upload.NewHandler(svc, verifier, m).Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fwlog.Infof("Server starting on %v", cfg.Server.Addr)
		if err := serve(srv, cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if mq != nil {
		g.Go(func() error { return mq.Run(ctx) })
	}

	<-ctx.Done()

	fwlog.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fwlog.Errorf("Server shutdown error: %v", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	fwlog.Info("Server shutdown complete")
	return nil
}

// serve uses TLS when both the certificate and the key are configured.
func serve(srv *http.Server, cfg config.ServerConfig) error {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	}
	fwlog.Warn("TLS certificate not configured, serving plain HTTP")
	return srv.ListenAndServe()
}

func newLedger(ctx context.Context, cfg config.LedgerConfig) (storage.Ledger, error) {
	switch cfg.Backend {
	case "memory":
		fwlog.Warn("Using the in-memory quota ledger, usage is lost on restart and not shared between replicas")
		return storage.NewMemoryLedger(), nil
	default:
		return storage.NewDragonflyLedger(ctx, storage.DragonflyOptions{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			KeyPrefix:    cfg.KeyPrefix,
			RetryTimeout: cfg.RetryTimeout,
			MaxRetries:   cfg.MaxRetries,
			DailyTTL:     cfg.DailyTTL,
		})
	}
}

func newUsers(ctx context.Context, cfg config.UsersConfig) (storage.UserDirectory, error) {
	if cfg.DSN != "" {
		return storage.NewPostgresUsers(ctx, cfg.DSN)
	}
	if len(cfg.Static) == 0 {
		fwlog.Warn("No user directory configured, every user id is accepted")
	}
	return storage.NewStaticUsers(cfg.Static...), nil
}
