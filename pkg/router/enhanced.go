package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/delivery"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// ewmaAlpha is the smoothing factor for the broadcast latency average.
const ewmaAlpha = 0.1

// EnhancedConfig tunes the realtime overlay.
type EnhancedConfig struct {
	RealtimeTimeout time.Duration `yaml:"realtime_timeout"`
}

// Validate applies defaults for unset fields.
func (c *EnhancedConfig) Validate() error {
	if c.RealtimeTimeout <= 0 {
		c.RealtimeTimeout = 5 * time.Second
	}
	return nil
}

// EnhancedStats are the overlay's observability counters.
type EnhancedStats struct {
	Routed            int64
	RealtimeDelivered int64
	RealtimeFailures  int64
	AvgBroadcastMS    float64
}

// EnhancedRouter layers synchronous realtime fan-out on top of the base
// pipeline. A broadcast that reaches subscribers upgrades a QUEUED
// result to SUCCESS.
type EnhancedRouter struct {
	config      EnhancedConfig
	router      *Router
	broadcaster *delivery.Broadcaster

	mu    sync.Mutex
	stats EnhancedStats
}

// NewEnhanced wraps a router with the realtime broadcaster.
func NewEnhanced(base *Router, broadcaster *delivery.Broadcaster, cfg EnhancedConfig) (*EnhancedRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EnhancedRouter{config: cfg, router: base, broadcaster: broadcaster}, nil
}

// Route runs the base pipeline, then attempts realtime fan-out within
// the configured timeout.
func (e *EnhancedRouter) Route(ctx context.Context, msg *message.Message) (RoutingResult, error) {
	result, err := e.router.Route(ctx, msg)
	if err != nil || result == ResultRejected {
		return result, err
	}

	rtCtx, cancel := context.WithTimeout(ctx, e.config.RealtimeTimeout)
	defer cancel()
	res, rtErr := e.broadcaster.Broadcast(rtCtx, msg)

	e.mu.Lock()
	e.stats.Routed++
	if rtErr != nil || res == nil {
		e.stats.RealtimeFailures++
	} else {
		e.stats.RealtimeDelivered += int64(res.SubscribersReached)
		ms := float64(res.Elapsed.Milliseconds())
		if e.stats.AvgBroadcastMS == 0 {
			e.stats.AvgBroadcastMS = ms
		} else {
			e.stats.AvgBroadcastMS = ewmaAlpha*ms + (1-ewmaAlpha)*e.stats.AvgBroadcastMS
		}
	}
	e.mu.Unlock()

	if rtErr != nil {
		slog.Warn("realtime fan-out failed", "message_id", msg.ID, "error", rtErr)
		return result, nil
	}
	if result == ResultQueued && res.SubscribersReached > 0 {
		e.router.HandleDeliveryConfirmation(ctx, msg.ID, DeliveryDelivered, msg.Routing.Target, "", res.Elapsed)
		return ResultSuccess, nil
	}
	return result, nil
}

// Stats returns a snapshot of the overlay counters.
func (e *EnhancedRouter) Stats() EnhancedStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// String renders the counters for periodic stats logging.
func (s EnhancedStats) String() string {
	return fmt.Sprintf("routed=%d realtime_delivered=%d realtime_failures=%d avg_broadcast_ms=%.1f",
		s.Routed, s.RealtimeDelivered, s.RealtimeFailures, s.AvgBroadcastMS)
}
