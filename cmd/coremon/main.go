// coremon drives the client core against a stub transport and prints its
// introspection snapshots, so breaker, retry and storage behavior can be
// inspected without a mobile shell attached.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yahya-m2000/hoy-core/internal/apikey"
	"github.com/yahya-m2000/hoy-core/internal/breaker"
	"github.com/yahya-m2000/hoy-core/internal/config"
	apperrors "github.com/yahya-m2000/hoy-core/internal/errors"
	"github.com/yahya-m2000/hoy-core/internal/events"
	"github.com/yahya-m2000/hoy-core/internal/pinning"
	"github.com/yahya-m2000/hoy-core/internal/pipeline"
	"github.com/yahya-m2000/hoy-core/internal/retry"
	"github.com/yahya-m2000/hoy-core/internal/token"
	"github.com/yahya-m2000/hoy-core/pkg/secmem"
)

type stubDispatcher struct {
	status int
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ *pipeline.Request) (*pipeline.Response, error) {
	return &pipeline.Response{StatusCode: d.status}, nil
}

func main() {
	var (
		configPath = flag.String("config", os.Getenv("HOY_CORE_CONFIG_PATH"), "path to core.yaml")
		endpoint   = flag.String("endpoint", "GET /api/bookings", "breaker key to exercise")
		status     = flag.Int("status", 200, "status code the stub transport returns")
		requests   = flag.Int("requests", 10, "number of requests to run")
		follow     = flag.Bool("follow", false, "stream bus events after the run")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	interceptor, bus, err := buildCore(cfg, &stubDispatcher{status: *status}, logger)
	if err != nil {
		logger.Error("failed to build core", "error", err)
		os.Exit(1)
	}
	defer interceptor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for n := 0; n < *requests; n++ {
		req := &pipeline.Request{
			Endpoint: *endpoint,
			Host:     "api.hoy.app",
			Provider: "hoy-api",
			Method:   "GET",
			Path:     "/api/bookings",
		}
		if _, err := interceptor.Do(ctx, req); err != nil {
			logger.Warn("request failed", "attempt", n+1, "error", err)
		}
	}

	printJSON("breakers", interceptor.BreakerMetrics())
	printJSON("health", interceptor.BreakerHealth())
	printJSON("retry", interceptor.RetryStats())
	printJSON("token_storage", interceptor.TokenStorageStats())
	printJSON("pinning", interceptor.PinningStats())
	printJSON("api_keys", interceptor.KeyUsageStats())
	printJSON("recent_events", bus.Recent())

	if !*follow {
		return
	}

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("streaming events, ctrl-c to stop")
	for {
		select {
		case evt := <-ch:
			printJSON("event", evt)
		case s := <-signalChan:
			logger.Info("received shutdown signal", "signal", s.String())
			return
		}
	}
}

func buildCore(cfg *config.Config, dispatcher pipeline.Dispatcher, logger *slog.Logger) (*pipeline.Interceptor, *events.Bus, error) {
	bus := events.NewBus(256)
	breakers := breaker.NewRegistry(cfg.Breaker, bus, logger)
	queue := retry.NewQueue(cfg.Retry, breakers, bus, logger)

	masterBytes := make([]byte, 32)
	if _, err := rand.Read(masterBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	master, err := secmem.NewMasterKey(masterBytes)
	if err != nil {
		return nil, nil, err
	}

	// The monitor runs against an in-memory keyring so it never touches the
	// platform keychain.
	store, err := token.NewStore(cfg.Token, keyring.NewArrayKeyring(nil), master,
		token.StaticIdentity{"coremon"}, bus, logger)
	if err != nil {
		return nil, nil, err
	}

	cache := token.NewCache(cfg.Token.SafetyMargin())
	refresher := token.NewRefresher(issueLocalToken, store, cache, bus, logger)

	keys := apikey.NewManager(cfg.RateLimit, func(context.Context, string, string) error { return nil }, bus, logger)
	keys.SetKey("hoy-api", apikey.KeyPrimary, "sk_local_coremon_000000", true)

	pins := pinning.NewValidator(cfg.Pinning, bus, logger)

	interceptor := pipeline.New(pipeline.Deps{
		Keys:       keys,
		Pins:       pins,
		Breakers:   breakers,
		Cache:      cache,
		Store:      store,
		Refresher:  refresher,
		Queue:      queue,
		Classifier: apperrors.NewClassifier(logger),
		Dispatcher: dispatcher,
		Bus:        bus,
		Logger:     logger,
	})
	return interceptor, bus, nil
}

// issueLocalToken mints a short-lived HS256 token so the bearer-injection
// path runs end to end without a real auth server.
func issueLocalToken(context.Context, token.Type) (string, error) {
	claims := jwt.MapClaims{"sub": "coremon", "exp": time.Now().Add(15 * time.Minute).Unix()}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("coremon-local-secret"))
}

func printJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal %s: %v\n", name, err)
		return
	}
	fmt.Printf("--- %s ---\n%s\n", name, data)
}
