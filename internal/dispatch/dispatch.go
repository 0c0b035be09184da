package dispatch

import (
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

// Recipient is one user a domain event concerns.
type Recipient struct {
	Role models.ActorRole `json:"role"`
	ID   string           `json:"id"`
}

func (r Recipient) key() string { return string(r.Role) + ":" + r.ID }

// Recipients lists who should hear about e. Riders follow their request and
// trip; drivers only hear about trips they are assigned to.
func Recipients(e events.Event) []Recipient {
	var out []Recipient
	if e.RiderID != "" {
		out = append(out, Recipient{Role: models.ActorRider, ID: e.RiderID})
	}
	switch e.Type {
	case events.DriverAssigned, events.TripStateChanged:
		if e.DriverID != "" {
			out = append(out, Recipient{Role: models.ActorDriver, ID: e.DriverID})
		}
	}
	return out
}

// Message is the payload delivered to a single recipient.
type Message struct {
	To    Recipient    `json:"to"`
	Event events.Event `json:"event"`
}
