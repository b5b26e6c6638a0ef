package domain

import "time"

// EngineInfo describes one search engine adapter.
type EngineInfo struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// EngineStatus reports the outcome of one engine's branch of a search.
type EngineStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Hits  int    `json:"hits"`
	Error string `json:"error,omitempty"`
}

// EngineDiagnostics is the health snapshot surfaced on the diagnostics
// endpoint.
type EngineDiagnostics struct {
	Name                string     `json:"name"`
	Label               string     `json:"label"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	TotalRequests       int64      `json:"totalRequests,omitempty"`
	TotalFailures       int64      `json:"totalFailures,omitempty"`
	TimeoutCount        int64      `json:"timeoutCount,omitempty"`
}
