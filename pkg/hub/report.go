package hub

// Outcome is the per-subscriber result of one publish call.
type Outcome string

const (
	// OutcomeDelivered means the envelope was enqueued for the subscriber.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeDroppedSlowConsumer means enqueueing displaced the oldest
	// unsent envelope because the subscriber's queue was full.
	OutcomeDroppedSlowConsumer Outcome = "dropped-slow-consumer"
	// OutcomeDroppedClosed means the subscriber closed between resolution
	// and delivery.
	OutcomeDroppedClosed Outcome = "dropped-closed"
)

// DeliveryResult is a single subscriber's outcome.
type DeliveryResult struct {
	ConnectionID string
	Outcome      Outcome
}

// DeliveryReport lists the outcome for every resolved subscriber of one
// publish call. For app.* destinations Handled is true and Results is empty.
type DeliveryReport struct {
	Destination string
	Handled     bool
	Results     []DeliveryResult
}

// Count returns the number of subscribers with the given outcome.
func (r *DeliveryReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Delivered returns the number of successful enqueues.
func (r *DeliveryReport) Delivered() int { return r.Count(OutcomeDelivered) }
