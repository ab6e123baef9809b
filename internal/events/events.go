// Package events is the notification channel between the engine and the
// manager. The engine publishes initialization progress and streamed tokens,
// each tagged with the context id they belong to; subscribers receive every
// event on their topic and must filter by id themselves.
//
// The channel does not buffer: an event published while nobody is subscribed
// to its topic is dropped. Callers attach their subscription before issuing
// the engine call that produces the events and cancel it when that call
// settles.
package events

import "llamactx/pkg/types"

// Topic names one of the two event streams.
type Topic string

const (
	// TopicInitProgress carries context initialization progress in [0,1].
	TopicInitProgress Topic = "llamactx.init_progress"
	// TopicToken carries tokens streamed by an in-flight completion.
	TopicToken Topic = "llamactx.token"
)

// Event is the payload of both topics. Progress is set on TopicInitProgress,
// Token on TopicToken.
type Event struct {
	ContextID int              `json:"contextId"`
	Progress  float64          `json:"progress,omitempty"`
	Token     *types.TokenData `json:"tokenResult,omitempty"`
}

// Handler receives events. Each subscription calls its handler from a single
// goroutine, one event at a time. A handler may publish or subscribe; it must
// not cancel its own subscription.
type Handler func(Event)

// Subscription is a registered handler. Cancel is idempotent. Events
// published before Cancel are still handled; once Cancel returns the handler
// is not invoked again.
type Subscription interface {
	Cancel()
}

// Bus is the two-topic publish/subscribe channel.
type Bus interface {
	Subscribe(topic Topic, h Handler) (Subscription, error)
	Publish(topic Topic, e Event) error
	Close() error
}

// PublishProgress publishes an initialization progress event.
func PublishProgress(b Bus, contextID int, progress float64) error {
	return b.Publish(TopicInitProgress, Event{ContextID: contextID, Progress: progress})
}

// PublishToken publishes a streamed token event.
func PublishToken(b Bus, contextID int, tok types.TokenData) error {
	return b.Publish(TopicToken, Event{ContextID: contextID, Token: &tok})
}
