package circuitbreaker

import (
	"time"
)

// Config tunes the breaker's five checks.
type Config struct {
	MaxDepth         int
	TokenBudget      int
	TimeWindow       time.Duration
	PoisoningScore   float64
	CircularLookback int
}

// Request is the chain-relevant subset of a completion request the
// breaker needs to evaluate.
type Request struct {
	RequestID      string
	ParentID       string
	Content        string
	PriorContents  []string // oldest-first content of every ancestor in the chain, for poisoning checks

	// Per-request overrides from circuit_breaker_config; zero means the
	// breaker's configured default applies.
	MaxDepth    int
	TokenBudget int
	TimeWindow  time.Duration
}

// BlockReason names which check rejected a request.
type BlockReason struct {
	Check          string
	CurrentDepth   int
	MaxDepth       int
	Detail         string
}

// Breaker gates completion enqueue against the chain tracker.
type Breaker struct {
	cfg      Config
	tracker  *ChainTracker
	detector *ContextPoisoningDetector
	now      func() time.Time
}

// NewBreaker constructs a Breaker sharing tracker across the daemon's
// lifetime (one tracker per process, held in memory).
func NewBreaker(cfg Config, tracker *ChainTracker) *Breaker {
	return &Breaker{
		cfg:      cfg,
		tracker:  tracker,
		detector: NewContextPoisoningDetector(cfg.CircularLookback),
		now:      time.Now,
	}
}

// Check runs all five checks in spec order; the first failing check
// blocks the request. On pass, it records a new CompletionRecord before
// returning so the caller (the scheduler) can rely on the tracker
// reflecting this request immediately.
func (b *Breaker) Check(req Request) (blocked bool, reason *BlockReason) {
	now := b.now()
	depth := b.tracker.Depth(req.ParentID)

	maxDepth := b.cfg.MaxDepth
	if req.MaxDepth > 0 {
		maxDepth = req.MaxDepth
	}
	tokenBudget := b.cfg.TokenBudget
	if req.TokenBudget > 0 {
		tokenBudget = req.TokenBudget
	}
	timeWindow := b.cfg.TimeWindow
	if req.TimeWindow > 0 {
		timeWindow = req.TimeWindow
	}

	// 1. depth
	if depth >= maxDepth {
		return true, &BlockReason{Check: "ideation_depth", CurrentDepth: depth, MaxDepth: maxDepth}
	}

	chain := b.tracker.ChainRecords(req.RequestID, req.ParentID)

	// 2. chain token budget
	var cumulative int
	for _, r := range chain {
		cumulative += r.EstimatedTokens
	}
	newTokens := EstimateTokens(req.Content)
	if cumulative+newTokens >= tokenBudget {
		return true, &BlockReason{Check: "token_budget", CurrentDepth: depth, MaxDepth: maxDepth,
			Detail: "cumulative chain tokens would reach or exceed token_budget"}
	}

	// 3. time-window tokens: sum of tokens in the last TimeWindow for this chain
	if timeWindow > 0 {
		cutoff := now.Add(-timeWindow)
		var windowTokens int
		for _, r := range chain {
			if !r.Timestamp.Before(cutoff) {
				windowTokens += r.EstimatedTokens
			}
		}
		if windowTokens+newTokens >= tokenBudget {
			return true, &BlockReason{Check: "time_window_tokens", CurrentDepth: depth, MaxDepth: maxDepth,
				Detail: "token usage within the configured time window would reach or exceed token_budget"}
		}
	}

	// 4. circular content: new content hash appears in the last N records
	lookback := b.cfg.CircularLookback
	if lookback <= 0 {
		lookback = 5
	}
	recent := lastN(chain, lookback)
	newHash := contentHash(req.Content)
	for _, r := range recent {
		if r.ContentHash == newHash {
			return true, &BlockReason{Check: "circular_content", CurrentDepth: depth, MaxDepth: maxDepth,
				Detail: "identical content already appears in the recent chain history"}
		}
	}

	// 5. poisoning risk
	score, _ := b.detector.Score(chain, req.PriorContents)
	if score > b.cfg.PoisoningScore {
		return true, &BlockReason{Check: "poisoning_risk", CurrentDepth: depth, MaxDepth: maxDepth,
			Detail: "context-poisoning risk score exceeded threshold"}
	}

	b.tracker.Record(req.RequestID, req.ParentID, req.Content, now)
	return false, nil
}
