// Package domain defines the core memory-engine types shared by every
// component: the Episode record, its tagged-variant fields, and the
// per-scope snapshots the planner and feedback classifier maintain.
package domain

import "time"

// Outcome tags how an episode's turn concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
)

// ValidOutcomes is the set of recognised outcome tags.
var ValidOutcomes = map[Outcome]bool{
	OutcomeSuccess: true, OutcomeFailure: true, OutcomePartial: true, OutcomeUnknown: true,
}

// EmbeddingSource records how an episode's embedding was produced.
type EmbeddingSource string

const (
	EmbeddingFresh        EmbeddingSource = "fresh"
	EmbeddingRepaired     EmbeddingSource = "repaired"
	EmbeddingHashFallback EmbeddingSource = "hash_fallback"
)

// DefaultUtilityPrior is the utility assigned to a freshly created episode
// when no reward has been observed yet.
const DefaultUtilityPrior = 0.5

// Episode is the unit of memory: an intent, the experience it produced, its
// outcome, and a learned utility in [0,1].
type Episode struct {
	ID              string          `json:"id"`
	ScopeKey        string          `json:"scope_key"`
	IntentText      string          `json:"intent_text"`
	Embedding       []float32       `json:"embedding"`
	Experience      string          `json:"experience"`
	Outcome         Outcome         `json:"outcome"`
	Utility         float64         `json:"utility"`
	SuccessCount    int64           `json:"success_count"`
	FailureCount    int64           `json:"failure_count"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUsedAt      time.Time       `json:"last_used_at"`
	EmbeddingSource EmbeddingSource `json:"embedding_source"`
}

// QEntry is the Q-table's record for one episode. The engine is its sole
// owner; external components only ever see it through recall results or
// the event stream.
type QEntry struct {
	EpisodeID   string    `json:"episode_id"`
	Utility     float64   `json:"utility"`
	LastUpdated time.Time `json:"last_updated"`
}

// RecallSnapshot captures the most recent plan and measurements for a scope.
// It is overwritten on every recall and persisted under a scope-prefixed key
// for cross-instance visibility.
type RecallSnapshot struct {
	ScopeKey             string          `json:"scope_key"`
	K1                   int             `json:"k1"`
	K2                   int             `json:"k2"`
	Lambda               float64         `json:"lambda"`
	MinScore             float64         `json:"min_score"`
	QueryTokens          int             `json:"query_tokens"`
	EmbeddingSource      EmbeddingSource `json:"embedding_source"`
	PipelineDurationMs   int64           `json:"pipeline_duration_ms"`
	ContextCharsInjected int             `json:"context_chars_injected"`
	FeedbackBias         float64         `json:"feedback_bias"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FeedbackBiasState is the per-scope smoothed feedback signal that steers
// the adaptive planner.
type FeedbackBiasState struct {
	ScopeKey    string    `json:"scope_key"`
	Bias        float64   `json:"bias"`
	SampleCount int64     `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// FeedbackSignal is the classified polarity of an assistant turn.
type FeedbackSignal string

const (
	SignalPositive FeedbackSignal = "positive"
	SignalNegative FeedbackSignal = "negative"
	SignalNeutral  FeedbackSignal = "neutral"
)

// SignalValue maps a feedback signal to the {-1,0,+1} value the bias EMA
// consumes.
func (s FeedbackSignal) SignalValue() float64 {
	switch s {
	case SignalPositive:
		return 1
	case SignalNegative:
		return -1
	default:
		return 0
	}
}

// RewardFor maps a feedback signal to its canonical reward value.
func (s FeedbackSignal) RewardFor() float64 {
	switch s {
	case SignalPositive:
		return 1.0
	case SignalNegative:
		return 0.0
	default:
		return 0.5
	}
}

// QueryClassification buckets an intent text for planner timeout/budget
// scaling.
type QueryClassification string

const (
	ClassMachineLike QueryClassification = "machine_like"
	ClassSymbolHeavy QueryClassification = "symbol_heavy"
	ClassShort       QueryClassification = "short"
	ClassLongNatural QueryClassification = "long_natural"
	ClassDefault     QueryClassification = "default"
)

// RecallPlan is the adaptive planner's output for one plan_and_recall call.
type RecallPlan struct {
	K1                 int
	K2                 int
	Lambda             float64
	MinScore           float64
	ContextBudgetBytes int
	Classification     QueryClassification
	TimeoutScaler      float64
}

// RecallCandidate is one scored episode surviving two-phase recall.
// Utility is the Q-table's current value for Episode.ID at the time of
// scoring, which may differ from Episode.Utility if a decay sweep has
// touched the Q-table without writing the decayed value back onto the
// episode record.
type RecallCandidate struct {
	Episode Episode
	Sim     float64
	Utility float64
	Score   float64
}

// MetricsSnapshot is the process-global counters + latency histograms
// exposed by metrics_snapshot().
type MetricsSnapshot struct {
	Planned       int64             `json:"planned"`
	Injected      int64             `json:"injected"`
	Skipped       int64             `json:"skipped"`
	SelectedTotal int64             `json:"selected_total"`
	InjectedTotal int64             `json:"injected_total"`
	Histograms    map[string]string `json:"histograms"`
	Raw           string            `json:"-"`
}

// WindowSnapshot is what the session window adapter reports to the planner.
type WindowSnapshot struct {
	ActiveTurns        int
	DrainedTurns       int
	WindowPressure     float64
	ContextBudgetToken int
	ReserveTokens      int
}
