package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// GoChannelBus is a Bus over an in-process watermill GoChannel.
//
// Publish returns once every current subscriber has queued the event. Each
// subscription runs its handler on its own dispatcher goroutine, in publish
// order, so a slow handler delays only its own subscription.
type GoChannelBus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	wg     sync.WaitGroup
	active atomic.Int64
}

var _ Bus = (*GoChannelBus)(nil)

// NewGoChannelBus builds a non-persistent bus.
func NewGoChannelBus(logger zerolog.Logger) *GoChannelBus {
	ps := gochannel.NewGoChannel(gochannel.Config{
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return &GoChannelBus{pubsub: ps, logger: logger}
}

// eventQueue is an unbounded FIFO between a subscription's watermill channel
// and its dispatcher. push never blocks.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
	return true
}

// close rejects further pushes. Events already queued are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next returns the queued events, waiting for at least one. ok is false once
// the queue is closed and empty.
func (q *eventQueue) next() (batch []Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch, q.items = q.items, nil
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

type subscription struct {
	topic  Topic
	cancel context.CancelFunc
	queue  *eventQueue
	done   chan struct{}
	once   sync.Once
	bus    *GoChannelBus
}

// Cancel detaches the subscription, lets the dispatcher finish the events
// published before the call and waits for it to exit. It must not be called
// from the subscription's own handler.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.queue.close()
		s.cancel()
		<-s.done
		s.bus.active.Add(-1)
	})
}

// Subscribe registers h on topic. The subscription is live when Subscribe returns.
func (b *GoChannelBus) Subscribe(topic Topic, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("events: nil handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.pubsub.Subscribe(ctx, string(topic))
	if err != nil {
		cancel()
		return nil, err
	}
	s := &subscription{
		topic:  topic,
		cancel: cancel,
		queue:  newEventQueue(),
		done:   make(chan struct{}),
		bus:    b,
	}
	b.active.Add(1)
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.forward(s, msgs)
	}()
	go func() {
		defer b.wg.Done()
		defer close(s.done)
		b.run(s, h)
	}()
	return s, nil
}

// forward moves messages into the subscription queue until the GoChannel
// closes msgs. Every message is acked as soon as it is queued or dropped.
func (b *GoChannelBus) forward(s *subscription, msgs <-chan *message.Message) {
	defer s.queue.close()
	for msg := range msgs {
		var e Event
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			b.logger.Error().Err(err).Str("topic", string(s.topic)).Msg("events event=decode_error")
		} else {
			s.queue.push(e)
		}
		msg.Ack()
	}
}

// run is the dispatcher: it invokes h for each queued event in order.
func (b *GoChannelBus) run(s *subscription, h Handler) {
	for {
		batch, ok := s.queue.next()
		if !ok {
			return
		}
		for _, e := range batch {
			b.dispatch(s, h, e)
		}
	}
}

func (b *GoChannelBus) dispatch(s *subscription, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", string(s.topic)).Int("ctx_id", e.ContextID).Msg("events event=handler_panic")
		}
	}()
	h(e)
}

// Publish delivers e to every subscriber of topic. Without subscribers the event is dropped.
func (b *GoChannelBus) Publish(topic Topic, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(string(topic), message.NewMessage(watermill.NewUUID(), payload))
}

// Active returns the number of subscriptions not yet canceled.
func (b *GoChannelBus) Active() int {
	return int(b.active.Load())
}

// Close shuts the bus down and waits for subscriber goroutines to exit.
// Handlers still running are waited for.
func (b *GoChannelBus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
