package vector

import "sort"

// Hybrid ranking weights. A document matching only one signal still scores
// from that signal; the weights match the production retrieval tuning.
const (
	// DefaultLexicalWeight is the weight applied to the lexical rank signal.
	DefaultLexicalWeight = 0.3

	// DefaultVectorWeight is the weight applied to the vector similarity signal.
	DefaultVectorWeight = 0.7
)

// Scored pairs an item ID with a similarity score for ranking.
type Scored struct {
	ID    string
	Score float64
}

// Embedded is an item that carries an embedding vector along with its ID.
type Embedded struct {
	ID     string
	Vector []float32
}

// TopK ranks items by descending cosine similarity to query and returns the
// first k (or fewer if the candidate set is smaller). Ties are broken by
// input order: an earlier item never ranks below a later item with the same
// score. Returns an error on the first dimension mismatch.
func TopK(query []float32, items []Embedded, k int) ([]Scored, error) {
	if k <= 0 || len(items) == 0 {
		return []Scored{}, nil
	}

	scored := make([]Scored, len(items))
	for i, item := range items {
		sim, err := CosineSimilarity(query, item.Vector)
		if err != nil {
			return nil, err
		}
		scored[i] = Scored{ID: item.ID, Score: sim}
	}

	// Stable sort preserves input order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// CombineRanks merges a lexical result list and a vector result list into a
// single ranking with the given weights. The merge is a full outer join over
// the two candidate sets: an ID present in only one list keeps its weighted
// score from that list and contributes nothing for the missing signal.
//
// Scores within each input list should already be normalized to comparable
// ranges; CombineRanks does not rescale them.
func CombineRanks(lexical, vec []Scored, lexWeight, vecWeight float64) []Scored {
	if lexWeight == 0 && vecWeight == 0 {
		lexWeight, vecWeight = DefaultLexicalWeight, DefaultVectorWeight
	}

	combined := make(map[string]float64, len(lexical)+len(vec))
	order := make([]string, 0, len(lexical)+len(vec))

	for _, s := range lexical {
		if _, seen := combined[s.ID]; !seen {
			order = append(order, s.ID)
		}
		combined[s.ID] += lexWeight * s.Score
	}
	for _, s := range vec {
		if _, seen := combined[s.ID]; !seen {
			order = append(order, s.ID)
		}
		combined[s.ID] += vecWeight * s.Score
	}

	out := make([]Scored, 0, len(order))
	for _, id := range order {
		out = append(out, Scored{ID: id, Score: combined[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
