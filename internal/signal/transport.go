package signal

import "context"

// Message is one payload delivered on a subscribed topic.
type Message struct {
	From string // sender peer id
	Data []byte
}

// Subscription is a live topic subscription. C is closed after Cancel.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

// Cancel tears down the subscription. Idempotent.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Transport is the message-relay channel the call engine rides on.
// Publish is fire-and-forget: no delivery acknowledgement is awaited.
// Implementations must deliver a single sender's messages to a given
// subscriber in publish order.
type Transport interface {
	// SelfID returns the stable peer id of this transport endpoint.
	SelfID() string

	// Publish sends data to every current subscriber of topic,
	// including this endpoint's own subscriptions.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe opens a subscription on topic.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}
