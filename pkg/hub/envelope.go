package hub

import (
	"fmt"

	"github.com/google/uuid"
)

// Envelope is the immutable unit of routing. The hub stamps OriginInstanceID
// and Sequence on first publish; peers use the pair to drop duplicates
// replayed by at-least-once relay delivery.
type Envelope struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Payload     []byte `json:"payload,omitempty"`

	// Origin is the publishing principal, empty for hub-generated events.
	Origin string `json:"origin,omitempty"`

	// OriginInstanceID identifies the hub instance that first accepted the
	// envelope. Sequence is monotonic within that instance.
	OriginInstanceID string `json:"originInstanceId,omitempty"`
	Sequence         uint64 `json:"sequence,omitempty"`
}

// NewEnvelope creates an unstamped envelope. The router assigns the
// instance id and sequence number when the envelope is first published.
func NewEnvelope(destination string, payload []byte, origin string) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     payload,
		Origin:      origin,
	}
}

// DedupeKey identifies the envelope across instances.
func (e *Envelope) DedupeKey() string {
	return fmt.Sprintf("%s/%d", e.OriginInstanceID, e.Sequence)
}
