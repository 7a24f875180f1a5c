// Package retrieval filters, ranks and attributes passages returned by the
// document search service.
package retrieval

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// DefaultThreshold is the minimum relevance a passage needs to be used.
const DefaultThreshold = 0.5

// Passage is one search hit. It is never persisted.
type Passage struct {
	Text      string  `json:"text"`
	Relevance float64 `json:"relevance"`
	SourceID  string  `json:"sourceId"`
	SourceURI string  `json:"sourceUri,omitempty"`
}

// Result is the outcome of Filter with the reasons passages were dropped.
type Result struct {
	// Passages are the survivors, most relevant first.
	Passages []Passage
	// BelowThreshold counts passages under the threshold (or with a
	// non-numeric relevance).
	BelowThreshold int
	// Unattributed counts passages dropped for lacking a source ID.
	Unattributed int
}

// Grounded reports whether at least one passage survived. An ungrounded
// result is a legitimate answer ("nothing relevant found"), not an error.
func (r Result) Grounded() bool { return len(r.Passages) > 0 }

// Dropped is the total number of discarded passages.
func (r Result) Dropped() int { return r.BelowThreshold + r.Unattributed }

// NormalizeThreshold maps NaN to DefaultThreshold and clamps to [0, 1].
func NormalizeThreshold(t float64) float64 {
	switch {
	case math.IsNaN(t):
		return DefaultThreshold
	case t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}

// Filter keeps passages with relevance >= threshold and a non-empty source
// ID, ordered by relevance descending. Ties keep their input order. The
// input slice is not modified.
func Filter(passages []Passage, threshold float64) Result {
	threshold = NormalizeThreshold(threshold)

	res := Result{Passages: make([]Passage, 0, len(passages))}
	for _, p := range passages {
		if math.IsNaN(p.Relevance) || p.Relevance < threshold {
			res.BelowThreshold++
			continue
		}
		if strings.TrimSpace(p.SourceID) == "" {
			res.Unattributed++
			continue
		}
		res.Passages = append(res.Passages, p)
	}

	slices.SortStableFunc(res.Passages, func(a, b Passage) int {
		switch {
		case a.Relevance > b.Relevance:
			return -1
		case a.Relevance < b.Relevance:
			return 1
		}
		return 0
	})
	return res
}

// Attribution renders a "Sources:" block for the given passages, one line
// per distinct source in order of first appearance. The URI is appended only
// when present. It returns "" for no passages.
func Attribution(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Sources:")
	seen := make(map[string]bool, len(passages))
	n := 0
	for _, p := range passages {
		if seen[p.SourceID] {
			continue
		}
		seen[p.SourceID] = true
		n++
		fmt.Fprintf(&sb, "\n[%d] %s", n, p.SourceID)
		if p.SourceURI != "" {
			fmt.Fprintf(&sb, " (%s)", p.SourceURI)
		}
	}
	return sb.String()
}

// Context renders passages as numbered excerpts for a completion prompt.
// When nothing survived filtering the text says so explicitly so the model
// does not answer from general knowledge.
func Context(passages []Passage) string {
	if len(passages) == 0 {
		return "No grounded answer: the document search returned nothing relevant. " +
			"Say you could not find this in the available documents."
	}

	var sb strings.Builder
	sb.WriteString("Answer only from these excerpts and cite them by number:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "\n[%d] (source: %s)\n%s\n", i+1, p.SourceID, strings.TrimSpace(p.Text))
	}
	return sb.String()
}
