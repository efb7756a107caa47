package engram

// SpreadingActivation performs the §4.4 bounded spreading-activation
// traversal from a seed set. Each seed starts with its normalized
// seed-score as activation; activation propagates along outbound edges with
// per-hop decay and per-kind weight, bounded by maxHops and a total
// node-visit budget. Superseded memories are inadmissible targets — a
// successor should be reached on its own edges, not borrow a predecessor's
// activation.
func SpreadingActivation(store *Store, seeds map[string]float64, weights SpreadWeights, decay float64, maxHops, nodeBudget int) (map[string]float64, error) {
	if len(seeds) == 0 {
		return map[string]float64{}, nil
	}
	if decay <= 0 || decay >= 1 {
		decay = 0.6
	}
	if maxHops <= 0 {
		maxHops = 2
	}
	if nodeBudget <= 0 {
		nodeBudget = 4000
	}

	activation := make(map[string]float64, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for id, score := range seeds {
		activation[id] = score
		frontier = append(frontier, id)
	}

	visited := map[string]bool{}
	for _, id := range frontier {
		visited[id] = true
	}
	nodesVisited := len(visited)

	for hop := 0; hop < maxHops && len(frontier) > 0 && nodesVisited < nodeBudget; hop++ {
		var next []string
		for _, id := range frontier {
			if nodesVisited >= nodeBudget {
				break
			}
			edges, err := store.OutEdges(id, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if nodesVisited >= nodeBudget {
					break
				}
				w, ok := weights[e.Kind]
				if !ok || w <= 0 {
					continue
				}
				target, err := store.GetByIDs([]string{e.DstID})
				if err != nil {
					return nil, err
				}
				if len(target) == 0 || target[0].Status == StatusSuperseded {
					continue
				}

				contributed := activation[id] * w * decay
				if contributed <= 0 {
					continue
				}
				if contributed > activation[e.DstID] {
					activation[e.DstID] = contributed
				}
				if !visited[e.DstID] {
					visited[e.DstID] = true
					nodesVisited++
					next = append(next, e.DstID)
				}
			}
		}
		frontier = next
	}

	// Seeds themselves are not "spread into" — remove them so the scoring
	// phase only sees activation contributed by propagation.
	for id := range seeds {
		delete(activation, id)
	}
	return activation, nil
}

// NormalizeSeedScores rescales a set of raw seed scores (cosine similarity
// or entity-match counts) to [0,1] so spreading activation starts from a
// comparable baseline regardless of the seed source (§4.5.3).
func NormalizeSeedScores(raw map[string]float64) map[string]float64 {
	if len(raw) == 0 {
		return map[string]float64{}
	}
	max := 0.0
	for _, v := range raw {
		if v > max {
			max = v
		}
	}
	out := make(map[string]float64, len(raw))
	if max <= 0 {
		for id := range raw {
			out[id] = 1.0
		}
		return out
	}
	for id, v := range raw {
		out[id] = v / max
	}
	return out
}

// LinkTemporalNext creates a weak forward edge between chronologically
// adjacent memories sharing a source.session chain (§4.4 temporal-next).
// prevID may be empty for the first memory in a chain.
func LinkTemporalNext(store *Store, prevID, nextID string) error {
	if prevID == "" || prevID == nextID {
		return nil
	}
	return store.Connect(prevID, nextID, EdgeTemporalNext, 0.4)
}
