package engine

import "github.com/jholhewres/openhomie/pkg/openhomie/store"

// ScoreFeedback rates how well an outgoing message landed, in [-1, 1].
// Positive means people engaged; negative means it annoyed or got ignored.
func ScoreFeedback(o store.Outgoing) float64 {
	var score float64

	if o.ResponseCount > 0 {
		score += 0.3
		if o.ResponseCount > 1 {
			score += 0.15
		}
		// Fast first reply means it landed in the flow of conversation.
		if o.TimeToFirstResponseMs > 0 && o.TimeToFirstResponseMs < 60_000 {
			score += 0.2
		}
	} else if o.EndsWithQuestion {
		// Asked a question, got nothing back.
		score -= 0.15
	}

	if o.ReactionNetScore > 0 {
		score += 0.25
		if o.ReactionNetScore > 2 {
			score += 0.15
		}
	}
	if o.NegativeReactionCount > 0 {
		score -= 0.5
	}
	if o.Refinement {
		// "Actually/No,/I meant": the reply missed.
		score -= 0.2
	}

	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}
