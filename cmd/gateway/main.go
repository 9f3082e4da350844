package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cfgloader "github.com/NoPKT/AgentIM-sub003/internal/config"
	"github.com/NoPKT/AgentIM-sub003/internal/gatewayclient"
	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	serverURL     string
	gatewayID     string
	token         string
	refreshToken  string
	maxReconnect  int
	probeInterval time.Duration
	pingInterval  time.Duration
	pongTimeout   time.Duration
	maxQueueSize  int
	logLevel      string
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
		Use:   "agentim-gateway",
		Short: "AgentIM gateway — long-lived process hosting one or more agents",
		Long: `The gateway is the process that runs on an agent host, multiplexing one
or more agents over a single reconnecting WebSocket session to the AgentIM
server. It owns the priority send queue, heartbeat, and reconnect state
machine described in the core spec; invoking the agents it hosts and
streaming their output is provider-specific and lives outside this binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	loader, err := cfgloader.NewLoader(os.Getenv("AGENTIM_CONFIG_FILE"))
	if err != nil {
		loader, _ = cfgloader.NewLoader("")
	}
	defaults := loader.LoadGateway()

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", defaults.ServerURL, "AgentIM server WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.gatewayID, "gateway-id", defaults.GatewayID, "Stable gateway id, chosen at login (required)")
	root.PersistentFlags().StringVar(&cfg.token, "token", defaults.Token, "Bearer access token")
	root.PersistentFlags().StringVar(&cfg.refreshToken, "refresh-token", defaults.RefreshToken, "Refresh token, used once if the access token is rejected")
	root.PersistentFlags().IntVar(&cfg.maxReconnect, "max-reconnect", defaults.MaxReconnect, "Normal-mode reconnect attempts before switching to probe mode")
	root.PersistentFlags().DurationVar(&cfg.probeInterval, "probe-interval", defaults.ProbeInterval, "Probe-mode reconnect interval")
	root.PersistentFlags().DurationVar(&cfg.pingInterval, "ping-interval", defaults.PingInterval, "Heartbeat ping interval")
	root.PersistentFlags().DurationVar(&cfg.pongTimeout, "pong-timeout", defaults.PongTimeout, "Heartbeat pong deadline")
	root.PersistentFlags().IntVar(&cfg.maxQueueSize, "max-queue-size", defaults.MaxQueueSize, "Priority send queue capacity")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentim-gateway %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.gatewayID == "" {
		return fmt.Errorf("gateway id is required — set --gateway-id or AGENTIM_GATEWAY_ID")
	}
	if cfg.token == "" {
		return fmt.Errorf("token is required — set --token or AGENTIM_TOKEN")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	tokens := &staticTokenSource{token: cfg.token, refreshToken: cfg.refreshToken}

	client := gatewayclient.New(
		gatewayclient.Config{
			ServerURL:     cfg.serverURL,
			GatewayID:     cfg.gatewayID,
			Platform:      runtime.GOOS,
			Hostname:      hostname,
			MaxReconnect:  cfg.maxReconnect,
			ProbeInterval: cfg.probeInterval,
			PingInterval:  cfg.pingInterval,
			PongTimeout:   cfg.pongTimeout,
			MaxQueueSize:  cfg.maxQueueSize,
		},
		tokens,
		logger,
		newFrameHandler(logger),
		func(ctx context.Context) {
			logger.Info("gateway authenticated", zap.String("gateway_id", cfg.gatewayID))
			// A real deployment re-registers every hosted agent here via
			// client.Send(protocol.MustEncode(protocol.TypeGatewayRegisterAgent, ...))
			// for each locally-running agent process — agent discovery and
			// invocation are provider-specific and out of this module's scope.
		},
	)

	logger.Info("starting agentim gateway", zap.String("version", version), zap.String("server_url", cfg.serverURL))

	err = client.Run(ctx)
	if err != nil {
		logger.Error("gateway session ended permanently", zap.Error(err))
		return err
	}

	logger.Info("agentim gateway stopped")
	return nil
}

// newFrameHandler builds the callback that reacts to every inbound
// server:* frame the client doesn't consume internally. Forwarding these to
// an actual agent process (invoking it, streaming its stdout back as
// message_chunk frames) is provider-specific and out of scope (spec §1);
// this handler logs what it received so the binary is useful standalone
// for integration testing against the server.
func newFrameHandler(logger *zap.Logger) gatewayclient.FrameHandler {
	log := logger.Named("frames")
	return func(frame protocol.Frame) {
		switch frame.Type {
		case protocol.TypeServerSendToAgent:
			var payload protocol.SendToAgentPayload
			if err := json.Unmarshal(frame.Payload, &payload); err == nil {
				log.Info("received send_to_agent", zap.String("agent_id", payload.AgentID), zap.String("room_id", payload.RoomID))
			}
		case protocol.TypeServerStopAgent:
			var payload protocol.StopAgentPayload
			if err := json.Unmarshal(frame.Payload, &payload); err == nil {
				log.Info("received stop_agent", zap.String("agent_id", payload.AgentID))
			}
		case protocol.TypeServerRemoveAgent, protocol.TypeServerRoomContext:
			log.Debug("received frame", zap.String("type", string(frame.Type)))
		default:
			log.Debug("received unhandled frame", zap.String("type", string(frame.Type)))
		}
	}
}

// staticTokenSource supplies a pre-provisioned long-lived token pair.
// Token issuance and refresh are REST endpoints out of this module's scope
// (spec §1), so this implementation treats RefreshToken as already being a
// usable access token rather than exchanging it over HTTP — suitable for
// environments where an operator rotates tokens out-of-band. A deployment
// with a real auth service supplies its own TokenSource that calls it.
type staticTokenSource struct {
	token        string
	refreshToken string
}

func (s *staticTokenSource) Token() string { return s.token }

func (s *staticTokenSource) Refresh(ctx context.Context) (string, error) {
	if s.refreshToken == "" {
		return "", fmt.Errorf("gateway: no refresh token configured")
	}
	s.token = s.refreshToken
	return s.token, nil
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

