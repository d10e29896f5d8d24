// Command realtime-probe connects to the realtime event stream, logs every
// contract, analysis and notification event it receives, and serves the
// client's status routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/status"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

type options struct {
	configPath string
	transport  string
	statusAddr string
	contractID string
	analysisID string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "TOML config file (defaults plus REALTIME_* env when empty)")
	flag.StringVar(&opts.transport, "transport", "websocket", "event transport: websocket or redis")
	flag.StringVar(&opts.statusAddr, "status-addr", "", "status listen address, overrides config")
	flag.StringVar(&opts.contractID, "contract", "", "only log contract updates for this contract id")
	flag.StringVar(&opts.analysisID, "analysis", "", "only log analysis results for this analysis id")
	flag.StringVar(&opts.logLevel, "log-level", "info", "zerolog level")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "realtime-probe: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "realtime-probe").Logger()
}

func loadConfig(path string) (*config.ClientConfig, error) {
	if path == "" {
		return config.FromEnv(), nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func run(opts options) error {
	logger := newLogger(opts.logLevel)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.statusAddr != "" {
		cfg.StatusAddr = opts.statusAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	svc, err := newService(ctx, opts.transport, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("service close error")
		}
	}()

	svc.Monitor().OnChange(func(connected bool) {
		logger.Info().Bool("connected", connected).Msg("connection status")
	})
	watch(svc, opts, logger)

	if !cfg.AutoConnect {
		if err := svc.Channel().Connect(ctx); err != nil {
			return err
		}
	}

	app := fiber.New()
	status.New(svc, m).RegisterRoutes(app)
	go func() {
		if err := app.Listen(cfg.StatusAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			logger.Error().Err(err).Str("addr", cfg.StatusAddr).Msg("status server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.StatusAddr).Str("transport", opts.transport).Msg("probe running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return app.Shutdown()
}

func newService(ctx context.Context, kind string, cfg *config.ClientConfig, logger zerolog.Logger, m *metrics.Metrics) (*service.Service, error) {
	switch kind {
	case "websocket":
		return service.NewFromConfig(ctx, cfg, logger, m)
	case "redis":
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		rc, err := transport.NewRedis(transport.RedisConfigFromEnv(), logger)
		if err != nil {
			return nil, err
		}
		return service.NewWithTransport(ctx, rc, cfg, logger, m), nil
	default:
		return nil, errors.New("unknown transport " + kind)
	}
}

func watch(svc *service.Service, opts options, logger zerolog.Logger) {
	logEvent := func(msg types.Message) error {
		logger.Info().
			Str("type", msg.Type).
			Int64("timestamp", msg.Timestamp).
			Interface("payload", msg.Payload).
			Msg("event")
		return nil
	}
	svc.WatchContract(opts.contractID, logEvent)
	svc.WatchAnalysis(opts.analysisID, logEvent)
	svc.Notifications(logEvent)
}
