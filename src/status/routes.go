// Package status exposes the realtime client's health over HTTP.
package status

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/orchestra-mcp/realtime/src/metrics"
)

// Source is the state the status routes report.
type Source interface {
	Connected() bool
	Subscriptions() map[string]int
}

// Routes serves connection info and Prometheus metrics.
type Routes struct {
	src     Source
	metrics *metrics.Metrics
	started time.Time
}

// New creates status routes for src. m may be nil, in which case the
// metrics route is not registered.
func New(src Source, m *metrics.Metrics) *Routes {
	return &Routes{src: src, metrics: m, started: time.Now()}
}

// RegisterRoutes registers the status routes via Fiber.
func (r *Routes) RegisterRoutes(group fiber.Router) {
	group.Get("/realtime/info", r.handleInfo)
	if r.metrics != nil {
		group.Get("/realtime/metrics", adaptor.HTTPHandler(r.metrics.Handler()))
	}
}

func (r *Routes) handleInfo(c fiber.Ctx) error {
	subs := r.src.Subscriptions()
	total := 0
	for _, n := range subs {
		total += n
	}
	return c.JSON(fiber.Map{
		"connected":      r.src.Connected(),
		"subscriptions":  subs,
		"subscribers":    total,
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
	})
}
