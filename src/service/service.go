package service

import (
	"context"
	"fmt"
	"net/url"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/channel"
	"github.com/orchestra-mcp/realtime/src/httpclient"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/monitor"
	"github.com/orchestra-mcp/realtime/src/retry"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Service is the high-level API UI hooks use: push events from the
// channel, connection health from the monitor, and retried backend calls.
type Service struct {
	channel *channel.Channel
	monitor *monitor.Monitor
	api     *httpclient.Client
	logger  zerolog.Logger
}

// New composes already constructed components. The service owns them and
// releases them on Close.
func New(ch *channel.Channel, mon *monitor.Monitor, api *httpclient.Client, logger zerolog.Logger) *Service {
	return &Service{channel: ch, monitor: mon, api: api, logger: logger}
}

// NewFromConfig builds a WebSocket-backed service from cfg.
func NewFromConfig(ctx context.Context, cfg *config.ClientConfig, logger zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy := RetryPolicy(cfg)

	wsCfg := transport.DefaultWebSocketConfig(cfg.SocketURL)
	wsCfg.SendBufferSize = cfg.SendBufferSize
	wsCfg.Reconnect = cfg.Reconnect
	wsCfg.ReconnectPolicy = policy
	ws := transport.NewWebSocket(wsCfg, logger, transport.WithMetrics(m))

	return NewWithTransport(ctx, ws, cfg, logger, m), nil
}

// NewWithTransport builds a service over an arbitrary transport.
func NewWithTransport(ctx context.Context, t transport.Transport, cfg *config.ClientConfig, logger zerolog.Logger, m *metrics.Metrics) *Service {
	ch := channel.New(t, logger, channel.WithMetrics(m))

	monOpts := []monitor.Option{
		monitor.WithInterval(cfg.PollInterval()),
		monitor.WithMetrics(m),
	}
	if cfg.AutoConnect {
		monOpts = append(monOpts, monitor.WithAutoConnect(ctx))
	}
	mon := monitor.New(ch, logger, monOpts...)

	apiCfg := httpclient.DefaultConfig(cfg.APIBaseURL)
	apiCfg.Retry = RetryPolicy(cfg)
	if cfg.RequestTimeoutS > 0 {
		apiCfg.Timeout = cfg.RequestTimeout()
	}
	api := httpclient.New(apiCfg, logger, httpclient.WithMetrics(m))

	return New(ch, mon, api, logger.With().Str("component", "realtime-service").Logger())
}

// RetryPolicy converts the configured retry settings into a policy.
func RetryPolicy(cfg *config.ClientConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	p.BaseDelay = cfg.BaseDelay()
	p.MaxDelay = cfg.MaxDelay()
	return p
}

// Channel returns the underlying event channel.
func (s *Service) Channel() *channel.Channel { return s.channel }

// Monitor returns the connection monitor.
func (s *Service) Monitor() *monitor.Monitor { return s.monitor }

// API returns the backend HTTP client.
func (s *Service) API() *httpclient.Client { return s.api }

// Connected returns the monitor's latest connection snapshot.
func (s *Service) Connected() bool { return s.monitor.IsConnected() }

// Subscriptions returns live subscription counts per message type.
func (s *Service) Subscriptions() map[string]int { return s.channel.Subscriptions() }

// WatchContract delivers contract_update events, narrowed to contractID when set.
func (s *Service) WatchContract(contractID string, h types.Handler) (unsubscribe func()) {
	s.logger.Debug().Str("contract_id", contractID).Msg("watching contract")
	return s.channel.OnContractUpdate(contractID, h)
}

// WatchAnalysis delivers analysis_complete events, narrowed to analysisID when set.
func (s *Service) WatchAnalysis(analysisID string, h types.Handler) (unsubscribe func()) {
	s.logger.Debug().Str("analysis_id", analysisID).Msg("watching analysis")
	return s.channel.OnAnalysisComplete(analysisID, h)
}

// Notifications delivers every notification event.
func (s *Service) Notifications(h types.Handler) (unsubscribe func()) {
	return s.channel.OnNotification(h)
}

// Publish sends a message of msgType stamped with the current time.
func (s *Service) Publish(msgType string, payload map[string]any) error {
	return s.channel.Send(types.NewMessage(msgType, payload))
}

// GetContract fetches one contract into out.
func (s *Service) GetContract(ctx context.Context, contractID string, out any) error {
	return s.api.Get(ctx, "/contracts/"+url.PathEscape(contractID), out)
}

// AnalysisRequest starts an AI analysis of a contract.
type AnalysisRequest struct {
	ContractID   string `json:"contract_id"`
	DocumentID   string `json:"document_id,omitempty"`
	AnalysisType string `json:"analysis_type,omitempty"`
}

// AnalysisStart is the backend's acknowledgement of a started analysis.
type AnalysisStart struct {
	AnalysisID       string `json:"analysis_id"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	WebSocketChannel string `json:"websocket_channel,omitempty"`
}

// StartAnalysis asks the backend to analyze a contract.
func (s *Service) StartAnalysis(ctx context.Context, req AnalysisRequest) (*AnalysisStart, error) {
	var out AnalysisStart
	if err := s.api.Post(ctx, "/ai/analyze", req, &out); err != nil {
		return nil, fmt.Errorf("start analysis: %w", err)
	}
	return &out, nil
}

// GetAnalysis fetches an analysis result into out.
func (s *Service) GetAnalysis(ctx context.Context, analysisID string, out any) error {
	return s.api.Get(ctx, "/ai/analysis/"+url.PathEscape(analysisID), out)
}

// AnalyzeAndWait starts an analysis and blocks until its analysis_complete
// event arrives or ctx ends. The subscription is registered before the
// request so a fast completion is not missed.
func (s *Service) AnalyzeAndWait(ctx context.Context, req AnalysisRequest) (types.Message, error) {
	events := make(chan types.Message, 16)
	unsubscribe := s.channel.OnAnalysisComplete("", func(msg types.Message) error {
		select {
		case events <- msg:
		default:
			s.logger.Warn().Msg("analysis event buffer full, dropping")
		}
		return nil
	})
	defer unsubscribe()

	start, err := s.StartAnalysis(ctx, req)
	if err != nil {
		return types.Message{}, err
	}

	for {
		select {
		case msg := <-events:
			if channel.MatchesCorrelation(msg.Payload, channel.FieldAnalysisID, start.AnalysisID) {
				return msg, nil
			}
		case <-ctx.Done():
			return types.Message{}, fmt.Errorf("wait for analysis %s: %w", start.AnalysisID, ctx.Err())
		}
	}
}

// Close stops the monitor and tears down the channel and its transport.
func (s *Service) Close() error {
	s.monitor.Stop()
	return s.channel.Close()
}
