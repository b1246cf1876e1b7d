// Command poolcheck fires concurrent requests at one URL through the
// keep-alive transport and prints what the connection pool did.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	keepalive "github.com/WhileEndless/go-keepalive"
	"github.com/WhileEndless/go-keepalive/pkg/config"
	"github.com/WhileEndless/go-keepalive/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to a .yaml or .ini config file")
	target := flag.String("url", "", "Target URL")
	total := flag.Int("n", 20, "Number of requests")
	workers := flag.Int("c", 4, "Concurrent workers")
	method := flag.String("method", "GET", "Request method")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address and wait for Ctrl-C")
	flag.Parse()

	if err := checkFlags(*target, *total, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	opener, err := keepalive.New(cfg, keepalive.Options{Logger: &logger, Registerer: reg})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transport")
	}
	defer opener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var srv *http.Server
	if *metricsAddr != "" {
		srv = &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", *metricsAddr).Msg("serving metrics")
	}

	start := time.Now()
	ok, failed := run(ctx, opener, logger, *method, *target, *total, *workers)
	elapsed := time.Since(start)

	fmt.Printf("requests: %d ok, %d failed in %v\n", ok, failed, elapsed.Round(time.Millisecond))
	for _, s := range opener.Stats() {
		fmt.Printf("%s://%s free=%d in_use=%d pending=%d\n", s.Scheme, s.HostKey, s.Free, s.InUse, s.Pending)
	}
	for key, conns := range opener.OpenConnections() {
		for _, c := range conns {
			fmt.Printf("  %s %s kind=%s requests=%d\n", key, c.ID(), c.Kind(), c.Requests())
		}
	}

	if srv != nil {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

func checkFlags(target string, total, workers int) error {
	switch {
	case target == "":
		return errors.New("-url is required")
	case workers < 1:
		return fmt.Errorf("-c must be at least 1, got %d", workers)
	case total < 0:
		return fmt.Errorf("-n must not be negative, got %d", total)
	}
	return nil
}

// run sends total requests from workers goroutines.
func run(ctx context.Context, opener *keepalive.Opener, logger zerolog.Logger, method, target string, total, workers int) (int64, int64) {
	var ok, failed atomic.Int64
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				resp, err := opener.Do(ctx, method, target, nil)
				if err != nil {
					failed.Add(1)
					logger.Warn().Int("request", i).Str("type", keepalive.GetErrorType(err)).Err(err).Msg("request failed")
					continue
				}
				ok.Add(1)
				logger.Debug().Int("request", i).Int("status", resp.StatusCode).Str("conn_id", resp.ConnID).
					Bool("reused", resp.Reused).Dur("wait", resp.WaitTime()).Msg("response")
				resp.Close()
			}
		}()
	}

	for i := 0; i < total; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			i = total
		}
	}
	close(jobs)
	wg.Wait()
	return ok.Load(), failed.Load()
}
