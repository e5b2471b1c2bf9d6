package council

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Anonymization and rank aggregation. Stage-one responses are relabeled
// "Response A".."Response E" before any model sees them, so no rater knows
// which backend wrote what.

// labelSet is a bijection between labels and backend ids, built over the
// stage-one survivors sorted by backend id so labeling is deterministic.
type labelSet struct {
	byLabel map[string]schema.ModelResponse
	labels  []string
}

func anonymize(survivors []schema.ModelResponse) labelSet {
	sorted := make([]schema.ModelResponse, len(survivors))
	copy(sorted, survivors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Backend < sorted[j].Backend })

	ls := labelSet{byLabel: make(map[string]schema.ModelResponse, len(sorted))}
	for i, resp := range sorted {
		label := fmt.Sprintf("Response %c", 'A'+i)
		ls.byLabel[label] = resp
		ls.labels = append(ls.labels, label)
	}
	return ls
}

func (ls labelSet) backend(label string) string {
	return ls.byLabel[label].Backend
}

// rankingMarker must appear in a rater's reply; everything before it is
// treated as scratch work and ignored.
const rankingMarker = "FINAL RANKING:"

var (
	markerPattern        = regexp.MustCompile(`(?i)FINAL RANKING:`)
	numberedLabelPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*(Response [A-E])\b`)
	bareLabelPattern     = regexp.MustCompile(`Response [A-E]\b`)
)

// parseRanking extracts an ordered label list from a rater's raw reply.
// Replies without the marker, or with no recognizable labels after it, are
// unparseable and the rater's vote is discarded.
func parseRanking(raw string, valid labelSet) ([]string, error) {
	locs := markerPattern.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("reply lacks %q marker", rankingMarker)
	}
	section := raw[locs[len(locs)-1][1]:]

	matches := numberedLabelPattern.FindAllStringSubmatch(section, -1)
	var ordered []string
	if len(matches) > 0 {
		for _, m := range matches {
			ordered = append(ordered, m[1])
		}
	} else {
		ordered = bareLabelPattern.FindAllString(section, -1)
	}

	seen := make(map[string]bool, len(ordered))
	var labels []string
	for _, label := range ordered {
		if seen[label] {
			continue
		}
		if _, ok := valid.byLabel[label]; !ok {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no valid labels after marker")
	}
	return labels, nil
}

// aggregate folds parsed rankings into per-label consensus positions.
// Mean rank is computed over the votes a label actually received. Ties
// break toward the label with more votes, then lexically, so output order
// is fully deterministic.
func aggregate(rankings []schema.PeerRanking, ls labelSet) []schema.AggregateEntry {
	sums := make(map[string]int)
	votes := make(map[string]int)
	for _, r := range rankings {
		for pos, label := range r.Labels {
			sums[label] += pos + 1
			votes[label]++
		}
	}

	entries := make([]schema.AggregateEntry, 0, len(ls.labels))
	for _, label := range ls.labels {
		entry := schema.AggregateEntry{Label: label, Backend: ls.backend(label), Votes: votes[label]}
		if entry.Votes > 0 {
			entry.MeanRank = float64(sums[label]) / float64(entry.Votes)
		} else {
			// Never ranked by anyone: sink below every ranked label.
			entry.MeanRank = float64(len(ls.labels) + 1)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].MeanRank != entries[j].MeanRank {
			return entries[i].MeanRank < entries[j].MeanRank
		}
		if entries[i].Votes != entries[j].Votes {
			return entries[i].Votes > entries[j].Votes
		}
		return entries[i].Label < entries[j].Label
	})
	return entries
}
