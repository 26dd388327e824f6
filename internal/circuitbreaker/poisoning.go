package circuitbreaker

import (
	"strings"
)

// poisoningWeights assigns each of the six named checks a weight in the
// weighted sum feeding the [0,1] risk score.
var poisoningWeights = map[string]float64{
	"recursive_self_reference":  0.25,
	"hallucination_cascade":     0.15,
	"topic_drift":               0.15,
	"coherence_degradation":     0.15,
	"infinite_elaboration":      0.15,
	"circular_reasoning":        0.15,
}

// hallucinationKeywords are phrases whose density over a chain's recent
// content correlates with a model confidently restating unverifiable
// claims.
var hallucinationKeywords = []string{
	"as i mentioned", "as established", "as we agreed", "as previously stated",
	"obviously", "clearly, as shown", "it is well known that",
}

// ContextPoisoningDetector scores a completion chain's risk of
// self-reinforcing degenerate output.
type ContextPoisoningDetector struct {
	Lookback int
}

// NewContextPoisoningDetector constructs a detector inspecting the last
// lookback records of a chain.
func NewContextPoisoningDetector(lookback int) *ContextPoisoningDetector {
	if lookback <= 0 {
		lookback = 5
	}
	return &ContextPoisoningDetector{Lookback: lookback}
}

// Score returns the weighted-sum risk score in [0,1] for chain, plus the
// per-check breakdown, and the contents used for hallucination/drift
// scoring (content is the parallel slice of completion text, oldest
// first, matching records).
func (d *ContextPoisoningDetector) Score(records []*CompletionRecord, contents []string) (float64, map[string]float64) {
	recent := lastN(records, d.Lookback)
	recentContents := lastNStrings(contents, d.Lookback)

	checks := map[string]float64{
		"recursive_self_reference": detectRecursiveReferences(recent),
		"hallucination_cascade":    detectHallucinationPatterns(recentContents),
		"topic_drift":              detectExcessiveDrift(recentContents),
		"coherence_degradation":    detectCoherenceLoss(recentContents),
		"infinite_elaboration":     detectElaborationLoops(recentContents),
		"circular_reasoning":       detectCircularReasoning(recent),
	}

	var score float64
	for name, v := range checks {
		score += poisoningWeights[name] * v
	}
	if score > 1 {
		score = 1
	}
	return score, checks
}

func lastN(records []*CompletionRecord, n int) []*CompletionRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

func lastNStrings(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// detectRecursiveReferences flags a chain where the same content hash
// reappears among recent records (distinct from the hard circular-
// content check, this contributes a graded score).
func detectRecursiveReferences(records []*CompletionRecord) float64 {
	seen := make(map[string]int)
	for _, r := range records {
		seen[r.ContentHash]++
	}
	repeats := 0
	for _, count := range seen {
		if count > 1 {
			repeats++
		}
	}
	if len(records) == 0 {
		return 0
	}
	return float64(repeats) / float64(len(records))
}

// detectHallucinationPatterns scores keyword density of confident
// unverifiable-claim phrasing across recent content.
func detectHallucinationPatterns(contents []string) float64 {
	if len(contents) == 0 {
		return 0
	}
	hits := 0
	for _, c := range contents {
		lower := strings.ToLower(c)
		for _, kw := range hallucinationKeywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
	}
	score := float64(hits) / float64(len(contents)*2)
	return clamp01(score)
}

// detectExcessiveDrift scores the length-variance across recent content:
// wildly varying lengths suggest the chain is wandering.
func detectExcessiveDrift(contents []string) float64 {
	if len(contents) < 2 {
		return 0
	}
	lengths := make([]float64, len(contents))
	var sum float64
	for i, c := range contents {
		lengths[i] = float64(len(c))
		sum += lengths[i]
	}
	mean := sum / float64(len(lengths))
	if mean == 0 {
		return 0
	}
	variance := calculateVariance(lengths, mean)
	coeffVar := variance / (mean * mean)
	return clamp01(coeffVar)
}

func calculateVariance(values []float64, mean float64) float64 {
	var total float64
	for _, v := range values {
		d := v - mean
		total += d * d
	}
	return total / float64(len(values))
}

// detectCoherenceLoss approximates coherence by vocabulary overlap
// between consecutive entries: low overlap across a run suggests the
// chain has lost its thread.
func detectCoherenceLoss(contents []string) float64 {
	if len(contents) < 2 {
		return 0
	}
	var totalOverlap float64
	pairs := 0
	for i := 1; i < len(contents); i++ {
		overlap := wordOverlap(contents[i-1], contents[i])
		totalOverlap += overlap
		pairs++
	}
	if pairs == 0 {
		return 0
	}
	avgOverlap := totalOverlap / float64(pairs)
	return clamp01(1 - avgOverlap)
}

func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 1
	}
	common := 0
	for w := range wa {
		if wb[w] {
			common++
		}
	}
	union := len(wa) + len(wb) - common
	if union == 0 {
		return 1
	}
	return float64(common) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

// detectElaborationLoops scores a monotonic length-growth ratio: a
// chain whose responses keep growing without bound suggests runaway
// elaboration.
func detectElaborationLoops(contents []string) float64 {
	if len(contents) < 2 {
		return 0
	}
	growingSteps := 0
	for i := 1; i < len(contents); i++ {
		if len(contents[i]) > len(contents[i-1]) {
			growingSteps++
		}
	}
	ratio := float64(growingSteps) / float64(len(contents)-1)
	return clamp01(ratio)
}

// detectCircularReasoning checks for an exact content-hash repeat within
// the lookback window, falling back to a graded hash-prefix similarity
// score when nothing repeats exactly.
func detectCircularReasoning(records []*CompletionRecord) float64 {
	if hasCycle(records) {
		return 1
	}
	return hashSimilarity(records)
}

func hasCycle(records []*CompletionRecord) bool {
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.ContentHash] {
			return true
		}
		seen[r.ContentHash] = true
	}
	return false
}

// hashSimilarity scores how close (without being identical) consecutive
// hashes are, approximated here by shared hex-prefix length.
func hashSimilarity(records []*CompletionRecord) float64 {
	if len(records) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(records); i++ {
		total += prefixSimilarity(records[i-1].ContentHash, records[i].ContentHash)
	}
	return clamp01(total / float64(len(records)-1))
}

func prefixSimilarity(a, b string) float64 {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	return float64(n) / float64(maxLen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
