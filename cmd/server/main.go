package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/NoPKT/AgentIM-sub003/internal/auth"
	cfgloader "github.com/NoPKT/AgentIM-sub003/internal/config"
	"github.com/NoPKT/AgentIM-sub003/internal/ratelimit"
	"github.com/NoPKT/AgentIM-sub003/internal/restapi"
	"github.com/NoPKT/AgentIM-sub003/internal/routing"
	"github.com/NoPKT/AgentIM-sub003/internal/serverws"
	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/taskpoller"
	"github.com/NoPKT/AgentIM-sub003/internal/validate"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	secretKey         string
	logLevel          string
	dataDir           string
	redisAddr         string
	adminUsername     string
	adminPassword     string
	authTimeout       time.Duration
	shutdownTimeout   time.Duration
	routerTestTimeout time.Duration
	maxMessageSize    int
	maxJSONDepth      int
	maxActiveTasks    int
	connLimitDefault  int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "agentim-server",
		Short: "AgentIM server — real-time chat hub for human and agent principals",
		Long: `AgentIM server is the central component of the AgentIM chat platform.
It terminates client and gateway WebSocket connections, enforces the auth
and membership invariants, persists messages transactionally, and routes
messages to agents directly or via a room's router LLM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	// Defaults come from the config loader (env vars, with an optional
	// file layered underneath); flags set on the command line win over both.
	loader, err := cfgloader.NewLoader(os.Getenv("AGENTIM_CONFIG_FILE"))
	if err != nil {
		loader, _ = cfgloader.NewLoader("")
	}
	defaults := loader.LoadServer()

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", defaults.HTTPAddr, "HTTP listen address for client and gateway WebSocket upgrades")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", defaults.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", defaults.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", defaults.EncryptionKey, "Master key for encrypting router LLM API keys at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", defaults.DataDir, "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", defaults.RedisAddr, "Redis address backing rate limiting and token revocation")
	root.PersistentFlags().StringVar(&cfg.adminUsername, "admin-username", defaults.AdminUsername, "Bootstrap admin username (dev only)")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", defaults.AdminPassword, "Bootstrap admin password (dev only)")
	root.PersistentFlags().DurationVar(&cfg.authTimeout, "auth-timeout", defaults.WSAuthTimeout, "WebSocket auth deadline before the connection is closed with 4001")
	root.PersistentFlags().DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", defaults.ShutdownTimeout, "Graceful shutdown deadline")
	root.PersistentFlags().DurationVar(&cfg.routerTestTimeout, "router-test-timeout", defaults.RouterTestTimeout, "Router LLM call timeout")
	root.PersistentFlags().IntVar(&cfg.maxMessageSize, "max-message-size", defaults.MaxMessageSize, "Maximum accepted inbound frame size in bytes")
	root.PersistentFlags().IntVar(&cfg.maxJSONDepth, "max-json-depth", defaults.MaxJSONDepth, "Maximum accepted inbound frame JSON nesting depth")
	root.PersistentFlags().IntVar(&cfg.maxActiveTasks, "max-active-tasks", defaults.MaxActiveTasks, "Maximum concurrently polled async generation tasks")
	root.PersistentFlags().IntVar(&cfg.connLimitDefault, "conn-limit-default", defaults.ConnLimitPerUser, "Default per-user concurrent client connection limit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentim-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("encryption key is required — set --secret-key or ENCRYPTION_KEY")
	}

	logger.Info("starting agentim server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := store.Open(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	repos := serverws.Repos{
		Users:       store.NewUserRepository(gormDB),
		Agents:      store.NewAgentRepository(gormDB),
		Gateways:    store.NewGatewayRepository(gormDB),
		Rooms:       store.NewRoomRepository(gormDB),
		Messages:    store.NewMessageRepository(gormDB),
		Attachments: store.NewAttachmentRepository(gormDB),
		Routers:     store.NewRouterRepository(gormDB),
		AsyncTasks:  store.NewAsyncTaskRepository(gormDB),
		Sender:      store.NewSender(gormDB),
	}

	// --- 4. Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer redisClient.Close()

	// --- 5. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	revocation := auth.NewRedisRevocationChecker(redisClient)
	gate := auth.NewGate(jwtManager, revocation)
	connLimit := serverws.NewUserConnLimitProvider(repos.Users)

	// --- 6. Rate limiting ---
	clientMsgLimiter := ratelimit.New(ratelimit.NewRedisBackend(redisClient), false) // fail closed
	agentMsgLimiter := ratelimit.New(ratelimit.NewRedisBackend(redisClient), true)   // fail open
	typingLimiter := ratelimit.New(ratelimit.NewRedisBackend(redisClient), true)     // fail open

	// --- 7. SSRF filter + routing engine ---
	ssrfFilter := ssrf.New()
	selector := routing.NewLLMSelector(ssrfFilter, cfg.routerTestTimeout)
	routingEngine := routing.NewEngine(selector)

	// --- 8. Validator ---
	validator := validate.New(validate.Config{
		MaxMessageSize: cfg.maxMessageSize,
		MaxJSONDepth:   cfg.maxJSONDepth,
	})

	// --- 9. Connection tables + server ---
	// taskpoller.New requires a Sink up front, and Server is the Sink, so
	// Server is constructed with a nil poller first and the poller is
	// attached immediately after via SetTaskPoller — the two halves close
	// a reference cycle that can't be expressed as straight-line
	// constructor calls.
	tables := serverws.NewTables()
	srv := serverws.NewServer(
		serverws.Config{
			AuthTimeout:     cfg.authTimeout,
			ShutdownTimeout: cfg.shutdownTimeout,
			ConnLimitDefault: cfg.connLimitDefault,
		},
		logger, tables, validator, gate, connLimit,
		clientMsgLimiter, agentMsgLimiter, typingLimiter,
		repos, routingEngine, nil, ssrfFilter,
	)

	provider := taskpoller.NewHTTPProviderClient(ssrfFilter)
	poller := taskpoller.New(repos.AsyncTasks, provider, srv, ssrfFilter, logger, cfg.maxActiveTasks)
	srv.SetTaskPoller(poller)

	// --- 10. HTTP server ---
	router := restapi.NewRouter(srv, logger)
	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agentim server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agentim server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "agentim-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("agentim-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

