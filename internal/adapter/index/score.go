package index

import (
	"math"
	"sort"

	"medvault/internal/domain"
	"medvault/internal/port"
)

// scoreVector computes (score, distance) for a candidate against the
// query under the given metric. Score is always "higher is better":
// cosine and dot return the similarity itself, euclidean returns the
// negated distance so one descending sort order serves all metrics.
func scoreVector(metric domain.Metric, query, candidate []float32) (float64, float64) {
	switch metric {
	case domain.MetricEuclidean:
		var sum float64
		for i := range query {
			d := float64(query[i]) - float64(candidate[i])
			sum += d * d
		}
		dist := math.Sqrt(sum)
		return -dist, dist
	case domain.MetricDot:
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(candidate[i])
		}
		return dot, -dot
	default: // cosine
		var dot, normQ, normC float64
		for i := range query {
			dot += float64(query[i]) * float64(candidate[i])
			normQ += float64(query[i]) * float64(query[i])
			normC += float64(candidate[i]) * float64(candidate[i])
		}
		if normQ == 0 || normC == 0 {
			return 0, 1
		}
		sim := dot / (math.Sqrt(normQ) * math.Sqrt(normC))
		return sim, 1 - sim
	}
}

// rankItems brute-force scores every live item and returns the top k,
// ordered by descending score with ties broken by insertion sequence.
// Brute force keeps the reference semantics exact; an ANN structure can
// replace it behind the same contract if corpora outgrow it.
func rankItems(items map[string]port.StoredItem, metric domain.Metric, query []float32, k int) []port.SearchMatch {
	if len(items) == 0 || k < 1 {
		return nil
	}

	matches := make([]port.SearchMatch, 0, len(items))
	for _, item := range items {
		score, dist := scoreVector(metric, query, item.Vector)
		matches = append(matches, port.SearchMatch{
			ID:       item.ID,
			Score:    score,
			Distance: dist,
			Text:     item.Text,
			Metadata: item.Metadata,
			Seq:      item.Seq,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Seq < matches[j].Seq
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}
