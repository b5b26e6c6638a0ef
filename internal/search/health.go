package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"imagesource/risservice/internal/domain"
	"imagesource/risservice/internal/metrics"
)

const (
	engineFailureThreshold = 3
	engineBlockBase        = 2 * time.Minute
	engineBlockMax         = 15 * time.Minute
)

type engineHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

func (c *Coordinator) isEngineBlocked(engineName string, now time.Time) (bool, time.Time, string) {
	if c == nil {
		return false, time.Time{}, ""
	}
	name := strings.ToLower(strings.TrimSpace(engineName))
	if name == "" {
		return false, time.Time{}, ""
	}

	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	state := c.health[name]
	if state == nil {
		return false, time.Time{}, ""
	}
	if state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

func (c *Coordinator) recordEngineResult(engineName string, err error, latency time.Duration, now time.Time) {
	if c == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(engineName))
	if name == "" {
		return
	}

	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	state := c.health[name]
	if state == nil {
		state = &engineHealth{}
		c.health[name] = state
	}
	state.totalRequests++
	if latency > 0 {
		state.lastLatency = latency
		metrics.EngineRequestDuration.WithLabelValues(name).Observe(latency.Seconds())
	}
	state.lastTimeout = isTimeoutLikeError(err)
	if state.lastTimeout {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.EngineRequestsTotal.WithLabelValues(name, "ok").Inc()
		metrics.EngineAvailable.WithLabelValues(name).Set(1)
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	status := "error"
	if state.lastTimeout {
		status = "timeout"
	}
	metrics.EngineRequestsTotal.WithLabelValues(name, status).Inc()

	if state.consecutiveFailures >= engineFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
		metrics.EngineAvailable.WithLabelValues(name).Set(0)
	}
}

// exponentialBlockDuration calculates how long to block an engine based on
// consecutive failures: baseDuration × 2^(failures - threshold), capped at 15min.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - engineFailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := engineBlockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > engineBlockMax {
			return engineBlockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

func (c *Coordinator) EngineDiagnostics() []domain.EngineDiagnostics {
	infos := c.Engines()
	if len(infos) == 0 {
		return nil
	}

	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	items := make([]domain.EngineDiagnostics, 0, len(infos))
	for _, info := range infos {
		name := strings.ToLower(strings.TrimSpace(info.Name))
		state := c.health[name]
		item := domain.EngineDiagnostics{
			Name:    info.Name,
			Label:   info.Label,
			Enabled: info.Enabled,
		}
		if state != nil {
			item.ConsecutiveFailures = state.consecutiveFailures
			if !state.blockedUntil.IsZero() {
				blockedUntil := state.blockedUntil
				item.BlockedUntil = &blockedUntil
			}
			item.LastError = state.lastError
			if !state.lastSuccessAt.IsZero() {
				lastSuccessAt := state.lastSuccessAt
				item.LastSuccessAt = &lastSuccessAt
			}
			if !state.lastFailureAt.IsZero() {
				lastFailureAt := state.lastFailureAt
				item.LastFailureAt = &lastFailureAt
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastTimeout = state.lastTimeout
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
			item.TimeoutCount = state.timeoutCount
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items
}
