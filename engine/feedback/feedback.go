// Package feedback implements the Feedback Classifier (C9): derives a
// reward and polarity signal from an assistant turn with strict
// precedence (explicit markers > tool errors > text heuristic), and
// maintains each scope's smoothed feedback bias.
package feedback

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// DefaultEta is the default smoothing factor for the bias EMA.
const DefaultEta = 0.3

var explicitMarkerRE = regexp.MustCompile(`(?i)(?:/feedback\s+|feedback\s*:\s*|\[feedback:\s*)(up|down|success|failure|positive|negative)\]?`)

var positiveWords = []string{"thanks", "great", "perfect", "works", "worked", "fixed", "correct", "exactly", "nice", "awesome"}
var negativeWords = []string{"wrong", "broken", "doesn't work", "failed", "error", "bad", "incorrect", "useless", "not working"}

// Turn captures the pieces of an assistant turn the classifier inspects.
type Turn struct {
	AssistantText string
	ToolError     bool
}

// Classify derives (reward, signal) from turn using the engine's strict
// precedence: explicit markers, then tool errors, then a keyword
// heuristic over the assistant's text.
func Classify(turn Turn) (float64, domain.FeedbackSignal) {
	if sig, ok := classifyExplicitMarker(turn.AssistantText); ok {
		return sig.RewardFor(), sig
	}
	if turn.ToolError {
		return domain.SignalNegative.RewardFor(), domain.SignalNegative
	}
	sig := classifyHeuristic(turn.AssistantText)
	return sig.RewardFor(), sig
}

func classifyExplicitMarker(text string) (domain.FeedbackSignal, bool) {
	m := explicitMarkerRE.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	switch strings.ToLower(m[1]) {
	case "up", "success", "positive":
		return domain.SignalPositive, true
	case "down", "failure", "negative":
		return domain.SignalNegative, true
	}
	return "", false
}

func classifyHeuristic(text string) domain.FeedbackSignal {
	lower := strings.ToLower(text)
	pos, neg := 0, 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	switch {
	case neg > pos:
		return domain.SignalNegative
	case pos > neg:
		return domain.SignalPositive
	default:
		return domain.SignalNeutral
	}
}

// BiasStore persists the per-scope feedback-bias EMA state.
type BiasStore interface {
	Get(scopeKey string) (domain.FeedbackBiasState, bool)
	Set(state domain.FeedbackBiasState)
}

// EventSink receives structured feedback events for the stream producer.
type EventSink interface {
	Emit(kind string, fields map[string]any)
}

// Tracker owns the per-scope bias EMA, serialized per scope.
type Tracker struct {
	mu    sync.Mutex
	store BiasStore
	eta   float64
	sink  EventSink
}

// NewTracker builds a bias Tracker. eta <= 0 falls back to DefaultEta.
func NewTracker(store BiasStore, sink EventSink, eta float64) *Tracker {
	if eta <= 0 {
		eta = DefaultEta
	}
	return &Tracker{store: store, eta: eta, sink: sink}
}

// Update applies signal's EMA contribution to scopeKey's bias state and
// persists the result, returning the updated bias.
func (t *Tracker) Update(scopeKey string, signal domain.FeedbackSignal) domain.FeedbackBiasState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.store.Get(scopeKey)
	if !ok {
		state = domain.FeedbackBiasState{ScopeKey: scopeKey}
	}

	state.Bias = (1-t.eta)*state.Bias + t.eta*signal.SignalValue()
	state.SampleCount++
	state.LastUpdated = time.Now()
	t.store.Set(state)

	if t.sink != nil {
		t.sink.Emit("recall_feedback_bias_updated", map[string]any{
			"scope_key": scopeKey, "bias": state.Bias, "sample_count": state.SampleCount,
		})
	}
	return state
}
