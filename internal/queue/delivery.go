package queue

import "context"

// Outcome is how a delivery was settled.
type Outcome int

const (
	// Unsettled deliveries are retried by Source.Settle.
	Unsettled Outcome = iota
	Acked
	Retried
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Retried:
		return "retried"
	default:
		return "unsettled"
	}
}

// Delivery is one received message. ID is the transport's identifier and
// Attempts counts deliveries including this one.
type Delivery struct {
	ID       string
	Body     []byte
	Attempts int

	outcome Outcome
	reason  string
}

// Ack marks the delivery as done.
func (d *Delivery) Ack() {
	d.outcome = Acked
	d.reason = ""
}

// Retry asks the transport to redeliver later.
func (d *Delivery) Retry(reason string) {
	d.outcome = Retried
	d.reason = reason
}

// Outcome reports how the delivery was settled.
func (d *Delivery) Outcome() Outcome { return d.outcome }

// Reason is the retry reason, if any.
func (d *Delivery) Reason() string { return d.reason }

// Batch is a group of deliveries received together.
type Batch struct {
	Deliveries []*Delivery
}

// Source delivers message batches and applies their outcomes.
type Source interface {
	Receive(ctx context.Context, max int) (*Batch, error)
	Settle(ctx context.Context, batch *Batch) error
}

// Producer enqueues messages.
type Producer interface {
	Send(ctx context.Context, m Message) (string, error)
}
