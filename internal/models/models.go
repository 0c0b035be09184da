package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Validate rejects coordinates outside the WGS84 range.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrValidation, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrValidation, c.Lon)
	}
	return nil
}

// coordJSON decodes lat/lng with presence: an absent field is an error,
// not a zero.
type coordJSON struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lng"`
}

func (j coordJSON) coord() (Coord, error) {
	if j.Lat == nil || j.Lon == nil {
		return Coord{}, fmt.Errorf("%w: lat and lng are required", ErrValidation)
	}
	return Coord{Lat: *j.Lat, Lon: *j.Lon}, nil
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var j coordJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	v, err := j.coord()
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Position is a timestamped location ping.
type Position struct {
	Coord
	Timestamp time.Time `json:"timestamp"`
}

// IsZero reports a position that was never set.
func (p Position) IsZero() bool { return p.Coord == (Coord{}) && p.Timestamp.IsZero() }

// UnmarshalJSON is needed because the promoted Coord method would otherwise
// swallow the timestamp.
func (p *Position) UnmarshalJSON(b []byte) error {
	var j struct {
		coordJSON
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	c, err := j.coord()
	if err != nil {
		return err
	}
	*p = Position{Coord: c, Timestamp: j.Timestamp}
	return nil
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

// IsZero reports a place that was never set.
func (p Place) IsZero() bool { return p == (Place{}) }

func (p *Place) UnmarshalJSON(b []byte) error {
	var j struct {
		coordJSON
		Address string `json:"address"`
	}
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	c, err := j.coord()
	if err != nil {
		return err
	}
	*p = Place{Coord: c, Address: j.Address}
	return nil
}

type VehicleClass string

const (
	VehicleSedan   VehicleClass = "sedan"
	VehicleVan     VehicleClass = "van"
	VehiclePremium VehicleClass = "premium"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleSedan, VehicleVan, VehiclePremium:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverOffline    DriverStatus = "offline"
	DriverOnlineIdle DriverStatus = "online_idle"
	DriverOnlineBusy DriverStatus = "online_busy"
)

type Driver struct {
	ID            string       `json:"id"`
	Status        DriverStatus `json:"status"`
	Position      Position     `json:"position"`
	CurrentTripID string       `json:"current_trip_id,omitempty"`
	Rating        float64      `json:"rating"` // 0..5
	VehicleClass  VehicleClass `json:"vehicle_class"`
	Updated       time.Time    `json:"updated"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

type TripRequest struct {
	ID           string        `json:"id"`
	RiderID      string        `json:"rider_id"`
	Pickup       Place         `json:"pickup"`
	Destination  Place         `json:"destination"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Status       RequestStatus `json:"status"`

	// set once the request is matched
	TripID   string `json:"trip_id,omitempty"`
	DriverID string `json:"driver_id,omitempty"`

	Estimate Fare `json:"estimate"`
}

// Validate checks the fields a rider must supply.
func (r TripRequest) Validate() error {
	if r.RiderID == "" {
		return fmt.Errorf("%w: rider_id is required", ErrValidation)
	}
	if r.Pickup.IsZero() {
		return fmt.Errorf("%w: pickup is required", ErrValidation)
	}
	if r.Destination.IsZero() {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if err := r.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if !r.VehicleClass.Valid() {
		return fmt.Errorf("%w: unknown vehicle class %q", ErrValidation, r.VehicleClass)
	}
	return nil
}

type TripState string

const (
	TripMatched    TripState = "matched"
	TripAccepted   TripState = "accepted"
	TripArrived    TripState = "arrived"
	TripInProgress TripState = "in_progress"
	TripCompleted  TripState = "completed"
	TripCancelled  TripState = "cancelled"
)

func (s TripState) Terminal() bool { return s == TripCompleted || s == TripCancelled }

type ActorRole string

const (
	ActorRider  ActorRole = "rider"
	ActorDriver ActorRole = "driver"
	ActorSystem ActorRole = "system"
)

type Actor struct {
	Role ActorRole `json:"role"`
	ID   string    `json:"id,omitempty"`
}

// Transition is one entry of a trip's append-only audit log.
type Transition struct {
	From   TripState `json:"from,omitempty"`
	To     TripState `json:"to"`
	At     time.Time `json:"at"`
	Actor  Actor     `json:"actor"`
	Reason string    `json:"reason,omitempty"`
}

// Fare is an amount in major currency units with its commission split.
type Fare struct {
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	PlatformFee    float64 `json:"platform_fee"`
	DriverEarnings float64 `json:"driver_earnings"`
	DistanceKm     float64 `json:"distance_km"`
	DurationMin    float64 `json:"duration_min"`
}

// MinorUnits returns the amount in cents for payment gateways.
func (f Fare) MinorUnits() int64 { return int64(f.Amount*100 + 0.5) }

type PaymentStatus string

const (
	PaymentNone      PaymentStatus = ""
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type Trip struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	State        TripState    `json:"state"`
	Pickup       Place        `json:"pickup"`
	Destination  Place        `json:"destination"`

	EstimatedFare Fare  `json:"estimated_fare"`
	FinalFare     *Fare `json:"final_fare,omitempty"`

	MatchedAt   time.Time  `json:"matched_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancellationReason string        `json:"cancellation_reason,omitempty"`
	PaymentStatus      PaymentStatus `json:"payment_status,omitempty"`
	History            []Transition  `json:"history"`
}
