// Command engined runs the ingest engine as an HTTP service: submission
// API, processing pool, webhook notifier, and retention sweeper in one
// process. Store backend, listen address, and API keys come from flags,
// each overridable by an ENGINE_* environment variable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/imggo/engine/api"
	audithook "github.com/imggo/engine/audit_hook"
	"github.com/imggo/engine/engine"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/process"
	"github.com/imggo/engine/ratelimit"
	"github.com/imggo/engine/store"
	"github.com/imggo/engine/store/memory"
	storeredis "github.com/imggo/engine/store/redis"
	storesqlite "github.com/imggo/engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr        = flag.String("addr", envOr("ENGINE_ADDR", ":8080"), "HTTP listen address")
		backend     = flag.String("store", envOr("ENGINE_STORE", "memory"), "store backend: memory, sqlite or redis")
		sqlitePath  = flag.String("sqlite-path", envOr("ENGINE_SQLITE_PATH", "engine.db"), "SQLite database path")
		redisURL    = flag.String("redis-url", envOr("ENGINE_REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
		apiKeys     = flag.String("api-keys", envOr("ENGINE_API_KEYS", ""), "comma-separated accepted API keys (empty accepts any bearer token)")
		analyzerURL = flag.String("analyzer-url", envOr("ENGINE_ANALYZER_URL", ""), "upstream analyzer endpoint (empty uses the stub)")
		concurrency = flag.Int("concurrency", envIntOr("ENGINE_CONCURRENCY", 4), "processing pool size")
		perMinute   = flag.Int("rate-per-minute", envIntOr("ENGINE_RATE_PER_MINUTE", 0), "per-key sustained rate limit (0 disables)")
		syncWait    = flag.Duration("sync-wait", 5*time.Second, "inline-result wait for synchronous patterns")
		syncList    = flag.String("sync-patterns", envOr("ENGINE_SYNC_PATTERNS", ""), "comma-separated pattern IDs served synchronously")
		audit       = flag.Bool("audit", false, "emit structured audit events for job lifecycle transitions")
		logJSON     = flag.Bool("log-json", false, "emit JSON logs")
	)
	flag.Parse()

	logger := newLogger(*logJSON)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, redisClient, err := openStore(ctx, *backend, *sqlitePath, *redisURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engOpts := []engine.Option{
		engine.WithStore(st),
		engine.WithAnalyzer(newAnalyzer(*analyzerURL)),
		engine.WithLogger(logger),
		engine.WithConcurrency(*concurrency),
	}
	if *perMinute > 0 {
		limits := ratelimit.Limits{PerMinute: *perMinute}
		if redisClient != nil {
			// Shared counters so every replica enforces the same budget.
			engOpts = append(engOpts,
				engine.WithRateLimiter(ratelimit.NewRedisLimiter(redisClient, limits)))
		} else {
			engOpts = append(engOpts,
				engine.WithRateLimiter(ratelimit.NewLimiter(limits)))
		}
	}
	if *audit {
		engOpts = append(engOpts,
			engine.WithHook(audithook.New(audithook.SlogRecorder(logger))))
	}
	eng, err := engine.New(engOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	srvOpts := []api.Option{
		api.WithLogger(logger),
		api.WithSyncWait(*syncWait),
	}
	if *syncList != "" {
		srvOpts = append(srvOpts, api.WithSyncPatterns(splitList(*syncList)...))
	}
	srv := api.NewServer(eng, newAuthenticator(*apiKeys, logger), srvOpts...)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", *addr), slog.String("store", *backend))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.Config().ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine stop: %w", err))
	}
	return errors.Join(errs...)
}

func newLogger(jsonOut bool) *slog.Logger {
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func openStore(ctx context.Context, backend, sqlitePath, redisURL string, logger *slog.Logger) (store.Store, goredis.UniversalClient, error) {
	switch backend {
	case "memory":
		return memory.New(), nil, nil
	case "sqlite":
		st, err := storesqlite.Open(ctx, sqlitePath, storesqlite.WithLogger(logger))
		return st, nil, err
	case "redis":
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		return storeredis.New(client, storeredis.WithLogger(logger)), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func newAuthenticator(keys string, logger *slog.Logger) api.Authenticator {
	if keys == "" {
		logger.Warn("no API keys configured, accepting any bearer token")
		return &api.NoopAuthenticator{}
	}
	entries := make([]api.APIKeyEntry, 0)
	for _, token := range splitList(keys) {
		entries = append(entries, api.APIKeyEntry{Token: token})
	}
	return api.NewAPIKeyAuthenticator(entries...)
}

// newAnalyzer returns the upstream HTTP analyzer when a URL is
// configured, otherwise a stub that acknowledges the submission without
// extracting anything. Image analysis is pluggable, not built in.
func newAnalyzer(url string) process.Analyzer {
	if url != "" {
		return &httpAnalyzer{
			url:    url,
			client: &http.Client{},
		}
	}
	return process.AnalyzerFunc(func(_ context.Context, j *job.Job) (*job.Result, error) {
		data, err := json.Marshal(map[string]string{"pattern_id": j.PatternID, "kind": j.Input.Kind()})
		if err != nil {
			return nil, err
		}
		return &job.Result{Data: data, Confidence: 0}, nil
	})
}

// httpAnalyzer forwards jobs to an extraction service and relays its
// structured result.
type httpAnalyzer struct {
	url    string
	client *http.Client
}

type analyzeRequest struct {
	JobID     string    `json:"job_id"`
	PatternID string    `json:"pattern_id"`
	Input     job.Input `json:"input"`
}

func (a *httpAnalyzer) Analyze(ctx context.Context, j *job.Job) (*job.Result, error) {
	body, err := json.Marshal(analyzeRequest{JobID: j.ID.String(), PatternID: j.PatternID, Input: j.Input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, raw)
	}

	var result job.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	return &result, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
