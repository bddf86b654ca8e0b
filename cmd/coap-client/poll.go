package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	coap "github.com/plgd-dev/go-coap-gateway"
	"github.com/plgd-dev/go-coap-gateway/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type pollConfig struct {
	interval   time.Duration
	count      int
	maxRetries uint64
}

func pollCmd(cfg *config.Config) *cobra.Command {
	pc := pollConfig{
		interval:   10 * time.Second,
		maxRetries: 3,
	}
	cmd := &cobra.Command{
		Use:   "poll <path>",
		Short: "Periodically GET a resource and export metrics",
		Long: "Periodically GET a resource and print every payload. Failed polls are retried " +
			"with exponential backoff. Prometheus metrics are served on /metrics.",
		Example: "  coap-client poll --interval 5s /sensors/temp",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			c, err := newClient(*cfg, reg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				return poll(ctx, c, args[0], pc, cmd.OutOrStdout())
			})
			if cfg.MetricsAddress != "" {
				g.Go(func() error {
					return serveMetrics(ctx, cfg.MetricsAddress, reg)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&pc.interval, "interval", pc.interval, "time between polls")
	cmd.Flags().IntVar(&pc.count, "count", pc.count, "number of polls, 0 polls until interrupted")
	cmd.Flags().Uint64Var(&pc.maxRetries, "retries", pc.maxRetries, "retries of a failed poll")
	cmd.Flags().StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "address of the metrics endpoint, empty disables it")
	return cmd
}

func poll(ctx context.Context, c *coap.Client, path string, pc pollConfig, out io.Writer) error {
	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()
	for n := 0; pc.count == 0 || n < pc.count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		payload, err := pollOnce(ctx, c, path, pc.maxRetries)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).WithField("path", path).Warn("poll failed")
			continue
		}
		if _, err := fmt.Fprintf(out, "%s\n", payload); err != nil {
			return err
		}
	}
	return nil
}

// pollOnce retries timeouts and session failures. A rejected request is not retried.
func pollOnce(ctx context.Context, c *coap.Client, path string, maxRetries uint64) ([]byte, error) {
	var payload []byte
	op := func() error {
		var err error
		payload, err = c.Request(ctx, path)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, coap.ErrRequestRejected), errors.Is(err, coap.ErrNotConfigured):
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retryIn", next).Debug("poll failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx), notify)
	return payload, err
}

func serveMetrics(ctx context.Context, address string, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("address", l.Addr().String()).Info("serving metrics")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
