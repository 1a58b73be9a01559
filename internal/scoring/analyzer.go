package scoring

import (
	"slices"

	"github.com/ashureev/mockprep/internal/domain"
)

const (
	// MinSample is the number of answered questions below which a topic is not classified.
	MinSample = 2

	strongThreshold = 70
	weakThreshold   = 50
)

// Band is a topic performance classification.
type Band string

const (
	BandStrong    Band = "strong"
	BandWeak      Band = "weak"
	BandNeedsWork Band = "needs_work"
)

// Analysis groups topics by band. Each slice is sorted by topic name.
type Analysis struct {
	Strong    []string `json:"strong"`
	Weak      []string `json:"weak"`
	NeedsWork []string `json:"needsWork"`
}

// Classify returns the band for a topic tally, or false when the sample is too small.
func Classify(ts domain.TopicScore) (Band, bool) {
	if ts.Total < MinSample {
		return "", false
	}
	switch {
	case ts.Percentage >= strongThreshold:
		return BandStrong, true
	case ts.Percentage < weakThreshold:
		return BandWeak, true
	default:
		return BandNeedsWork, true
	}
}

// Analyze classifies every topic with enough samples.
func Analyze(scores map[string]domain.TopicScore) Analysis {
	a := Analysis{Strong: []string{}, Weak: []string{}, NeedsWork: []string{}}
	for topic, ts := range scores {
		band, ok := Classify(ts)
		if !ok {
			continue
		}
		switch band {
		case BandStrong:
			a.Strong = append(a.Strong, topic)
		case BandWeak:
			a.Weak = append(a.Weak, topic)
		case BandNeedsWork:
			a.NeedsWork = append(a.NeedsWork, topic)
		}
	}
	slices.Sort(a.Strong)
	slices.Sort(a.Weak)
	slices.Sort(a.NeedsWork)
	return a
}

// FocusTopics lists the topics practice mode should weight, weakest band first.
func FocusTopics(a Analysis) []string {
	out := make([]string, 0, len(a.Weak)+len(a.NeedsWork))
	out = append(out, a.Weak...)
	return append(out, a.NeedsWork...)
}
