package engine

import "github.com/jholhewres/openhomie/pkg/openhomie/store"

// Velocity summarizes how fast a chat is moving right now.
type Velocity struct {
	IsBurst         bool
	IsRapidDialogue bool
	IsContinuation  bool
}

// GroupPace is the engine's decision for a group message given chat velocity.
type GroupPace string

const (
	PaceProceed GroupPace = "proceed"
	PaceWait    GroupPace = "wait"
	PaceSkip    GroupPace = "skip"
)

// MeasureVelocity derives a velocity snapshot from recent session messages,
// newest last. Only user messages count.
func MeasureVelocity(recent []store.SessionMessage) Velocity {
	var users []store.SessionMessage
	for _, m := range recent {
		if m.Role == "user" {
			users = append(users, m)
		}
	}
	var v Velocity
	n := len(users)
	if n == 0 {
		return v
	}

	// Burst: three or more messages with an average gap under 20s.
	if n >= 3 {
		window := users[n-3:]
		span := window[len(window)-1].CreatedAtMs - window[0].CreatedAtMs
		if span/2 < 20_000 {
			v.IsBurst = true
		}
	}

	// Rapid dialogue: at least two distinct authors trading messages with an
	// average gap under 15s.
	if n >= 2 {
		window := users
		if n > 6 {
			window = users[n-6:]
		}
		authors := map[string]bool{}
		for _, m := range window {
			authors[m.AuthorID] = true
		}
		span := window[len(window)-1].CreatedAtMs - window[0].CreatedAtMs
		avgGap := span / int64(len(window)-1)
		if len(authors) >= 2 && avgGap < 15_000 {
			v.IsRapidDialogue = true
		}
	}

	v.IsContinuation = hasContinuationSignal(users[n-1].Content)
	return v
}

// DecideGroupPace maps velocity to a pacing decision for group chats. A burst
// means more fragments are likely coming; rapid dialogue between others means
// the bot should stay out of the way.
func DecideGroupPace(v Velocity, mentioned bool) GroupPace {
	if mentioned {
		return PaceProceed
	}
	if v.IsRapidDialogue {
		return PaceSkip
	}
	if v.IsBurst || v.IsContinuation {
		return PaceWait
	}
	return PaceProceed
}
