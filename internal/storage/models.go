package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Quality gate actions recorded on a QueryRecord.
const (
	ActionPass    = "pass"
	ActionRetry   = "retry"
	ActionAbstain = "abstain"
)

// Business event types accepted by AppendBusinessEvent.
const (
	EventHighIntent    = "high_intent_detected"
	EventLeadCreated   = "lead_created"
	EventMeetingBooked = "meeting_booked"
	EventDealClosed    = "deal_closed"
)

// QueryRecord is one served query and everything known about how it was
// answered. Immutable once written, except for the conversion fields which
// are set when a later business event arrives.
type QueryRecord struct {
	QueryID         string
	Query           string
	Route           string
	Cached          bool
	CacheSimilarity float64
	LatencyMS       int64
	QualityScore    float64
	QualityAction   string
	QualityReason   string
	Degraded        bool
	HighIntent      bool
	Converted       bool
	ConversionValue float64
	AgentID         string
	SessionID       string
	MetadataJSON    string
	CreatedAt       time.Time
}

// QueryChunkRow records one retrieved chunk for a query. Ranks form a
// contiguous 1..k sequence per query.
type QueryChunkRow struct {
	QueryID        string
	ChunkID        string
	Similarity     float64
	Rank           int
	FeedbackWeight float64
}

// BusinessEvent is a downstream fact attributed to a query. Append-only.
type BusinessEvent struct {
	ID           string
	QueryID      string
	EventType    string
	EventValue   float64
	MetadataJSON string
	CreatedAt    time.Time
}

// AgentRevenue is one row of the ROI top-agents breakdown.
type AgentRevenue struct {
	AgentID    string  `json:"agent_id"`
	RevenueUSD float64 `json:"revenue_usd"`
	Queries    int     `json:"queries"`
}

// ROIReport aggregates query volume, latency, cache efficiency, and
// attributed revenue over a time window.
type ROIReport struct {
	WindowDays            int            `json:"window_days"`
	TotalQueries          int            `json:"total_queries"`
	CachedQueries         int            `json:"cached_queries"`
	CacheHitRate          float64        `json:"cache_hit_rate"`
	HighIntentQueries     int            `json:"high_intent_queries"`
	HighIntentRate        float64        `json:"high_intent_rate"`
	Converted             int            `json:"converted"`
	ConversionRate        float64        `json:"conversion_rate"`
	AvgLatencyCachedMS    float64        `json:"avg_latency_cached_ms"`
	AvgLatencyUncachedMS  float64        `json:"avg_latency_uncached_ms"`
	P50LatencyCachedMS    int64          `json:"p50_latency_cached_ms"`
	P50LatencyUncachedMS  int64          `json:"p50_latency_uncached_ms"`
	TotalRevenueUSD       float64        `json:"total_revenue_usd"`
	TopAgents             []AgentRevenue `json:"top_agents"`
	TargetRevenueUSD      float64        `json:"target_revenue_usd,omitempty"`
	RevenueVsTargetPct    float64        `json:"revenue_vs_target_pct,omitempty"`
	TargetConversionRate  float64        `json:"target_conversion_rate,omitempty"`
	ConversionVsTargetPct float64        `json:"conversion_vs_target_pct,omitempty"`
}
