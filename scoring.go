package engram

import (
	"math"
	"time"
)

// --- Cosine similarity ---

// CosineSimilarity computes the cosine similarity between two float32
// vectors. Returns 0 if either vector is zero-length, mismatched, or
// zero-norm — this is the "missing embedding" contract of §4.5, Failure
// semantics (scored with w_vec=0, still eligible).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// --- Set similarity ---

// Jaccard computes |a ∩ b| / |a ∪ b| over two string sets. Returns 0 when
// both sets are empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	sa := toSet(a)
	sb := toSet(b)

	inter := 0
	for k := range sa {
		if sb[k] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(xs []string) map[string]bool {
	s := make(map[string]bool, len(xs))
	for _, x := range xs {
		s[x] = true
	}
	return s
}

// typeBonus implements w_type · typeBonus(m.type) of §4.5.4: a flat bonus
// for consolidated summaries, which carry synthesized, deduplicated signal.
func typeBonus(t Type) float64 {
	if t == TypeConsolidated {
		return 0.25
	}
	return 0
}

// halfLifeKernel returns exp(-ln(2) · days / halfLifeDays), a decay
// multiplier that reaches 0.5 at exactly halfLifeDays.
func halfLifeKernel(days, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	if days < 0 {
		days = 0
	}
	return math.Exp(-math.Ln2 * days / halfLifeDays)
}

// recencyKernel implements the §4.5.4 recency term: a half-life exponential
// over days since last access (default half-life 30 days).
func recencyKernel(lastAccessedAt, now time.Time, halfLifeDays float64) float64 {
	return halfLifeKernel(now.Sub(lastAccessedAt).Hours()/24.0, halfLifeDays)
}

// penaltyAge implements the §4.5.4 penalty_age term: a second, longer
// half-life (default 180 days) that nudges stale low-salience content down
// without suppressing signal outright. Scaled by (1-salience) so
// high-salience memories are largely immune.
func penaltyAge(createdAt, now time.Time, halfLifeDays, salience float64) float64 {
	staleness := 1 - halfLifeKernel(now.Sub(createdAt).Hours()/24.0, halfLifeDays)
	return staleness * (1 - salience) * 0.2
}

// penaltySuperseded implements the §4.5.4 penalty_superseded term: a fixed
// penalty on superseded memories, so an active successor always outranks
// one all else equal. Dedup (§4.5.5) handles outright removal; this is a
// second line of defense for paths that score without deduping.
func penaltySuperseded(status Status) float64 {
	if status == StatusSuperseded {
		return 1.0
	}
	return 0
}

// ScoreInputs bundles the per-candidate signals CompositeScore needs.
type ScoreInputs struct {
	Similarity       float64
	EntityJaccard    float64
	TopicJaccard     float64
	Type             Type
	SpreadActivation float64
	LastAccessedAt   time.Time
	CreatedAt        time.Time
	Salience         float64
	Status           Status
	Now              time.Time
	RecencyHalfLife  float64
	AgeHalfLife      float64
}

// CompositeScore implements the full §4.5.4 scoring formula:
//
//	score = w_vec·cos + w_ent·jaccard(ent) + w_top·jaccard(top) + w_type·typeBonus
//	      + w_spread·log(1+spread) + w_recn·recencyKernel + w_sal·salience
//	      − penalty_superseded − penalty_age
func CompositeScore(in ScoreInputs, w ScoringWeights) float64 {
	score := w.Vec*in.Similarity +
		w.Ent*in.EntityJaccard +
		w.Top*in.TopicJaccard +
		w.Type*typeBonus(in.Type) +
		w.Spread*math.Log(1+in.SpreadActivation) +
		w.Recn*recencyKernel(in.LastAccessedAt, in.Now, in.RecencyHalfLife) +
		w.Sal*in.Salience

	score -= penaltySuperseded(in.Status)
	score -= penaltyAge(in.CreatedAt, in.Now, in.AgeHalfLife, in.Salience)
	return score
}

// ReinforcementIncrement computes the log-decaying salience boost applied
// by reinforce() (§4.1): larger boosts for low-salience memories, tapering
// as salience approaches 1 so repeated reinforcement converges rather than
// overshoots.
func ReinforcementIncrement(currentSalience float64) float64 {
	return 0.2 * math.Log(1+(1-currentSalience)*2)
}

// DecayFactor computes the exponential decay multiplier for a memory.
//
//	decay = exp(-λ × days / (salience + 0.1))
//
// Higher salience dampens decay (important memories last longer).
func DecayFactor(lambda, daysSinceAccess, salience float64) float64 {
	return math.Exp(-lambda * daysSinceAccess / (salience + 0.1))
}

// DaysSince computes fractional days between a past time and now.
func DaysSince(t time.Time) float64 {
	return time.Since(t).Hours() / 24.0
}
