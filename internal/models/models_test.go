package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPlaceDecodingRequiresBothCoordinates(t *testing.T) {
	var p Place
	if err := json.Unmarshal([]byte(`{"lat":0,"lng":0,"address":"Null Island"}`), &p); err != nil {
		t.Fatalf("explicit zero coordinates: %v", err)
	}
	if p.Address != "Null Island" || p.IsZero() {
		t.Fatalf("unexpected place %+v", p)
	}
	for _, body := range []string{`{}`, `{"lat":1}`, `{"lng":1,"address":"x"}`, `{"lat":null,"lng":2}`} {
		var p Place
		if err := json.Unmarshal([]byte(body), &p); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", body, err)
		}
	}
}

func TestPositionDecodingKeepsTimestamp(t *testing.T) {
	var p Position
	if err := json.Unmarshal([]byte(`{"lat":-34.6,"lng":-58.4,"timestamp":"2024-05-01T10:00:00Z"}`), &p); err != nil {
		t.Fatal(err)
	}
	if p.Lat != -34.6 || p.Lon != -58.4 || !p.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected position %+v", p)
	}
	if err := json.Unmarshal([]byte(`{"timestamp":"2024-05-01T10:00:00Z"}`), &p); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestTripRequestRequiresPickupAndDestination(t *testing.T) {
	set := Place{Coord: Coord{Lat: -34.6, Lon: -58.4}}
	cases := map[string]TripRequest{
		"no pickup":      {RiderID: "r1", Destination: set, VehicleClass: VehicleSedan},
		"no destination": {RiderID: "r1", Pickup: set, VehicleClass: VehicleSedan},
	}
	for name, req := range cases {
		if err := req.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	ok := TripRequest{RiderID: "r1", Pickup: set, Destination: Place{Coord: Coord{Lat: -34.5, Lon: -58.3}}, VehicleClass: VehicleSedan}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestEncodedTripDecodesBack(t *testing.T) {
	in := Trip{ID: "t1", Pickup: Place{Coord: Coord{Lat: 1, Lon: 2}, Address: "a"}, Destination: Place{Coord: Coord{Lat: 3, Lon: 4}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Trip
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Pickup != in.Pickup || out.Destination != in.Destination {
		t.Fatalf("places changed: %+v", out)
	}
}
