package models

import "time"

// UsageRecord is one append-only entry in the usage ledger, written when
// a run completes with non-zero total tokens.
type UsageRecord struct {
	Timestamp         time.Time `json:"ts"`
	SessionKey        string    `json:"session_key"`
	RunID             string    `json:"run_id"`
	Model             string    `json:"model"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	EstimatedCostUSD  float64   `json:"estimated_cost_usd"`
}

// AlertSeverity grades an AlertEvent's urgency.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertEvent is a deduplicated notification derived from run events,
// circuit-breaker transitions, or node health polls.
type AlertEvent struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Severity   AlertSeverity `json:"severity"`
	RunID      string        `json:"run_id,omitempty"`
	SessionKey string        `json:"session_key,omitempty"`
	Message    string        `json:"message"`
	DedupKey   string        `json:"dedup_key"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
	Count      int           `json:"count"`
}

// ComplianceSweepResult summarizes one execution of the compliance
// service's retention sweep.
type ComplianceSweepResult struct {
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	SessionsPurged int      `json:"sessions_purged"`
	RunsPurged    int       `json:"runs_purged"`
	SecretsPurged int       `json:"secrets_purged"`
	ExportPath    string    `json:"export_path,omitempty"`
}
