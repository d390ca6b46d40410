package signaling

import "context"

// Backend is the shared store or relay behind every Channel. One Backend
// serves many conversations; Watch only observes the given conversation.
type Backend interface {
	// Write stores or relays rec. A second offer or answer for the same
	// conversation fails with shared.ErrAlreadyPublished.
	Write(ctx context.Context, conversationID string, rec Record) error

	// Watch calls fn for every record written by from, starting with the
	// records already stored. ctx bounds the setup only; the watch lives
	// until stop is called. stop is idempotent. fn may still be running
	// when stop returns; callers needing a hard barrier use Channel.
	Watch(ctx context.Context, conversationID string, from Side, fn func(Record)) (stop func(), err error)

	// Reset drops every stored record of the conversation.
	Reset(ctx context.Context, conversationID string) error

	Close() error
}
