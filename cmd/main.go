package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"signify-ivr/handler"
	"signify-ivr/internal/catalog"
	"signify-ivr/internal/integrations/paramstore"
	"signify-ivr/internal/metrics"
	"signify-ivr/internal/repository"
	"signify-ivr/internal/session"
	"signify-ivr/internal/usecase"
)

// memory keeps calls in one instance only; it suits local runs or a single
// warm instance.
const defaultSessionStore = "dynamodb"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	sessionStore := strings.ToLower(envString("SESSION_STORE", defaultSessionStore))
	phoneRegion := envString("DEFAULT_PHONE_REGION", "RW")
	policy := session.ExpiryPolicy{
		IdleTimeout: envDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		Retention:   envDuration("SESSION_RETENTION", time.Hour),
	}
	reaperSchedule := envString("REAPER_SCHEDULE", "@every 1m")
	cacheSize := envInt("CATALOG_CACHE_SIZE", 256)
	cacheTTL := envDuration("CATALOG_CACHE_TTL", 30*time.Second)
	recentLimit := envInt("RECENT_RESPONSES_LIMIT", 10)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	surveys, err := catalog.NewCache(stateClient, cacheSize, cacheTTL)
	if err != nil {
		slog.Error("failed to create survey cache", "err", err)
		os.Exit(1)
	}

	// ---- Metrics ----
	m := metrics.New(prometheus.NewRegistry())

	// ---- Sessions ----
	var sessions usecase.SessionStore
	switch sessionStore {
	case "dynamodb":
		store, err := repository.NewSessionStore(dynamoClient, stateTable, policy.Retention)
		if err != nil {
			slog.Error("failed to create session store", "err", err)
			os.Exit(1)
		}
		sessions = store
	case "memory":
		table := session.NewTable()
		reaper, err := session.NewReaper(table, policy, session.SystemClock{}, reaperSchedule, m, logger)
		if err != nil {
			slog.Error("failed to create session reaper", "err", err)
			os.Exit(1)
		}
		reaper.Start()
		sessions = table
	default:
		slog.Error("unknown session store", "store", sessionStore)
		os.Exit(1)
	}

	// ---- Handler ----
	ivrService, err := usecase.NewIVRService(surveys, stateClient, sessions, ssmClient, usecase.Config{
		ParamPrefix: paramPrefix,
		PhoneRegion: phoneRegion,
		Expiry:      policy,
		RecentLimit: recentLimit,
		Observer:    m,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create ivr service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(ivrService, handler.WithLogger(logger), handler.WithMetrics(m))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("ivr handler ready", "session_store", sessionStore, "region", phoneRegion)
	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
