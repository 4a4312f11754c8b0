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

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/gateway"
	"github.com/agenttrust/station/internal/gateway/behavior"
	"github.com/agenttrust/station/internal/gateway/keycache"
	"github.com/agenttrust/station/internal/gateway/mlthreat"
	"github.com/agenttrust/station/internal/gateway/registry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("gateway")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("gateway.port", 4000)
	viper.SetDefault("gateway.id", "gateway-1")
	viper.SetDefault("station.url", "")
	viper.SetDefault("station.api_key", "")
	viper.SetDefault("gateway.key_refresh_seconds", 3600)
	viper.SetDefault("gateway.ml_enabled", true)
	viper.SetDefault("behavior.session_timeout_seconds", 300)
	viper.SetDefault("behavior.max_actions_per_minute", 30)
	viper.SetDefault("behavior.max_failures_before_flag", 5)
	viper.SetDefault("behavior.max_unique_actions_per_minute", 10)
	viper.SetDefault("behavior.max_repeated_actions_per_minute", 10)
	viper.SetDefault("behavior.violation_penalty", 10)
	viper.SetDefault("behavior.block_threshold", 20)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	stationURL := viper.GetString("station.url")
	if stationURL == "" {
		return fmt.Errorf("station.url is required")
	}

	// ── Station key cache ────────────────────────────────────────────────────
	// The initial fetch is fail-closed: without the station public key no
	// certificate can be verified, so the gateway refuses to start.
	refresh := time.Duration(viper.GetInt("gateway.key_refresh_seconds")) * time.Second
	keys, err := keycache.New(context.Background(), stationURL, refresh, logger)
	if err != nil {
		return fmt.Errorf("fetch station public key: %w", err)
	}
	keys.Start()
	defer keys.Stop()
	logger.Info("station key cached", zap.String("station", stationURL))

	// ── Gateway ──────────────────────────────────────────────────────────────
	gw := gateway.New(
		gateway.Config{
			GatewayID: viper.GetString("gateway.id"),
			Behavior: behavior.Config{
				SessionTimeout:              time.Duration(viper.GetInt("behavior.session_timeout_seconds")) * time.Second,
				MaxActionsPerMinute:         viper.GetInt("behavior.max_actions_per_minute"),
				MaxFailuresBeforeFlag:       viper.GetInt("behavior.max_failures_before_flag"),
				MaxUniqueActionsPerMinute:   viper.GetInt("behavior.max_unique_actions_per_minute"),
				MaxRepeatedActionsPerMinute: viper.GetInt("behavior.max_repeated_actions_per_minute"),
				ViolationPenalty:            viper.GetInt("behavior.violation_penalty"),
				BlockThreshold:              viper.GetInt("behavior.block_threshold"),
			},
		},
		demoActions(),
		keys,
		logger,
	)
	gateway.ObserveBehavior(gw.Tracker())
	gw.Tracker().Start()
	defer gw.Tracker().Stop()

	if viper.GetBool("gateway.ml_enabled") {
		gw.SetAnalyzer(mlthreat.NewRuleAnalyzer())
		logger.Info("rule-based threat analysis enabled")
	}

	if apiKey := viper.GetString("station.api_key"); apiKey != "" {
		gw.SetReporter(gateway.NewReporter(stationURL, apiKey, viper.GetString("gateway.id"), logger))
		logger.Info("action reporting enabled")
	} else {
		logger.Warn("station.api_key not set, action reports disabled")
	}

	// ── HTTP router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gateway.MetricsHandler())

	gw.Register(router.Group(""))

	// ── Serve ────────────────────────────────────────────────────────────────
	port := viper.GetInt("gateway.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("gateway stopped")
	return nil
}

// demoActions is the built-in action set served until the gateway is
// embedded as a library with real handlers.
func demoActions() *registry.Registry {
	r := registry.New()
	r.Add("echo", registry.Action{
		Description: "Echo the request parameters back",
		MinScore:    0,
		Handler: func(_ context.Context, params map[string]any, _ registry.AgentContext) (any, error) {
			return params, nil
		},
	})
	r.Add("search", registry.Action{
		Description: "Search the demo catalog",
		MinScore:    30,
		Parameters: map[string]registry.Param{
			"query": {Type: registry.TypeString, Required: true, Description: "Search terms"},
			"limit": {Type: registry.TypeNumber, Description: "Maximum results"},
		},
		Handler: func(_ context.Context, params map[string]any, _ registry.AgentContext) (any, error) {
			return []any{params["query"]}, nil
		},
	})
	r.Add("checkout", registry.Action{
		Description: "Complete a demo purchase",
		MinScore:    60,
		Parameters: map[string]registry.Param{
			"items": {Type: registry.TypeArray, Required: true, Description: "Cart items"},
		},
		Handler: func(_ context.Context, params map[string]any, agent registry.AgentContext) (any, error) {
			return map[string]any{"status": "confirmed", "agent": agent.ExternalID}, nil
		},
	})
	return r
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
