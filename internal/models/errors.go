package models

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrAssignmentRace    = errors.New("assignment race")
	ErrStaleUpdate       = errors.New("stale position update")

	ErrAlreadyOnTrip     = errors.New("driver already on trip")
	ErrOnTrip            = errors.New("driver is on a trip")
	ErrNotIdle           = errors.New("driver not idle")
	ErrNotBusy           = errors.New("driver not on a trip")
	ErrAlreadyOffline    = errors.New("driver already offline")
	ErrAlreadyRegistered = errors.New("driver already registered")
	ErrNotAssignedDriver = errors.New("not the assigned driver")
	ErrNotParticipant    = errors.New("actor is not a participant of the trip")

	ErrRequestExpired = errors.New("request expired")
	ErrRequestClosed  = errors.New("request no longer pending")
)
