// Package channels defines the transport contract and the built-in CLI
// transport. A transport delivers IncomingMessage values to the engine and
// renders the resulting OutgoingAction in the channel's native form.
package channels

import (
	"context"

	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
)

// Handler processes one incoming message and returns the action to render.
type Handler func(ctx context.Context, msg engine.IncomingMessage) (engine.OutgoingAction, error)

// Channel is a chat transport.
type Channel interface {
	// Name identifies the transport ("cli", "signal", "telegram").
	Name() string

	// SupportsReactions reports whether the transport can attach an emoji
	// to a message. Actions of kind react are downgraded to silence on
	// transports that cannot.
	SupportsReactions() bool

	// Run pumps messages through the handler until the context is
	// cancelled or input ends.
	Run(ctx context.Context, handle Handler) error

	// Deliver renders an action outside the request/response loop, for
	// proactive sends.
	Deliver(ctx context.Context, chatID string, action engine.OutgoingAction) error
}

// AdaptAction downgrades actions the transport cannot render. A react on a
// reaction-less channel becomes silence rather than a text message, which
// would read as a non sequitur.
func AdaptAction(ch Channel, action engine.OutgoingAction) engine.OutgoingAction {
	if action.Kind == engine.ActionReact && !ch.SupportsReactions() {
		return engine.Silence("reactions_unsupported")
	}
	return action
}
