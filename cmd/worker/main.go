// The worker binary runs a duron client against PostgreSQL. It registers the
// built-in webhook delivery action; deployments embedding their own actions
// should use the duron package directly instead.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/duron"
	"github.com/rezkam/duron/internal/config"
	"github.com/rezkam/duron/internal/observability"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	providers, err := observability.Init(ctx,
		cfg.Observability.ServiceName, "1.0.0", cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	slog.SetDefault(providers.Logger)

	client, err := duron.NewClient(duron.Config{
		ID: cfg.Client.ID,
		Database: duron.DatabaseConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		},
		SyncPattern:            duron.SyncPattern(cfg.Client.SyncPattern),
		PullInterval:           cfg.Client.PullInterval,
		BatchSize:              cfg.Client.BatchSize,
		ActionConcurrencyLimit: cfg.Client.ActionConcurrencyLimit,
		GroupConcurrencyLimit:  cfg.Client.GroupConcurrencyLimit,
		MigrateOnStart:         cfg.Client.MigrateOnStart,
		RecoverJobsOnStart:     cfg.Client.RecoverJobsOnStart,
		MultiProcessMode:       cfg.Client.MultiProcessMode,
		ProcessTimeout:         cfg.Client.ProcessTimeout,
		Logger:                 providers.Logger,
	}, webhookAction())
	if err != nil {
		log.Fatalf("Failed to build client: %v", err)
	}

	if err := client.Start(ctx); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("received shutdown signal, stopping worker")
	client.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown incomplete", "error", err)
	}

	slog.Info("worker shut down gracefully")
}

// WebhookInput is the payload of the built-in deliver-webhook action.
type WebhookInput struct {
	URL  string `json:"url" validate:"required,url" example:"https://example.com/hooks/duron"`
	Body string `json:"body" validate:"required" example:"{\"event\":\"ping\"}"`
}

// WebhookOutput reports the delivery result.
type WebhookOutput struct {
	StatusCode int `json:"statusCode" validate:"required"`
}

// webhookAction delivers a payload to a URL. Deliveries to the same host
// serialize through one group so a slow endpoint cannot absorb the whole
// worker.
func webhookAction() *duron.Action {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	return &duron.Action{
		Name:    "deliver-webhook",
		Version: "1",
		Input:   duron.NewSchema(WebhookInput{}),
		Output:  duron.NewSchema(WebhookOutput{}),
		Groups: &duron.ActionGroups{
			GroupKey: func(gctx *duron.GroupContext) string {
				var in WebhookInput
				if err := json.Unmarshal(gctx.Input, &in); err != nil {
					return ""
				}
				if u, err := url.Parse(in.URL); err == nil {
					return u.Host
				}
				return ""
			},
		},
		Handler: func(actx *duron.ActionContext) (any, error) {
			var in WebhookInput
			if err := actx.BindInput(&in); err != nil {
				return nil, duron.NonRetriable(err)
			}

			status, err := duron.StepAs[int](actx, "deliver", func(ctx context.Context) (any, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.URL, bytes.NewBufferString(in.Body))
				if err != nil {
					return nil, duron.NonRetriable(err)
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := httpClient.Do(req)
				if err != nil {
					return nil, err
				}
				defer resp.Body.Close()
				_, _ = io.Copy(io.Discard, resp.Body)

				switch {
				case resp.StatusCode >= 500:
					return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
				case resp.StatusCode >= 400:
					return nil, duron.NonRetriable(fmt.Errorf("endpoint rejected delivery: %d", resp.StatusCode))
				}
				return resp.StatusCode, nil
			})
			if err != nil {
				return nil, err
			}

			return WebhookOutput{StatusCode: status}, nil
		},
	}
}
