package domain

import (
	"fmt"
	"time"
)

type OwnerKind string

const (
	OwnerClient     OwnerKind = "client"
	OwnerTechnician OwnerKind = "technician"
)

func (k OwnerKind) Valid() bool { return k == OwnerClient || k == OwnerTechnician }

type LocationSource string

const (
	SourceGPS     LocationSource = "gps"
	SourceNetwork LocationSource = "network"
	SourceWifi    LocationSource = "wifi"
	SourceManual  LocationSource = "manual"
)

func (s LocationSource) Valid() bool {
	switch s {
	case SourceGPS, SourceNetwork, SourceWifi, SourceManual:
		return true
	}
	return false
}

// LocationSnapshot is a single position report. The latest snapshot per
// owner is authoritative.
type LocationSnapshot struct {
	OwnerKind  OwnerKind      `json:"owner_kind"`
	OwnerID    string         `json:"owner_id"`
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	Accuracy   *float64       `json:"accuracy,omitempty"`
	Speed      *float64       `json:"speed,omitempty"`
	Heading    *float64       `json:"heading,omitempty"`
	IsMoving   bool           `json:"is_moving"`
	Battery    *float64       `json:"battery,omitempty"`
	Source     LocationSource `json:"source"`
	CapturedAt time.Time      `json:"captured_at"`
}

func (s LocationSnapshot) Point() Point { return Point{Lat: s.Lat, Lon: s.Lon} }

// OwnerKey identifies the owner for serialization and rate limiting.
func (s LocationSnapshot) OwnerKey() string { return OwnerKey(s.OwnerKind, s.OwnerID) }

func OwnerKey(kind OwnerKind, id string) string { return "owner:" + string(kind) + ":" + id }

// Validate checks ranges. It does not check ordering against prior reports.
func (s LocationSnapshot) Validate() error {
	if !s.OwnerKind.Valid() {
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalidInput, s.OwnerKind)
	}
	if s.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if err := s.Point().Validate(); err != nil {
		return err
	}
	if s.Accuracy != nil && *s.Accuracy < 0 {
		return fmt.Errorf("%w: accuracy must be non-negative", ErrInvalidInput)
	}
	if s.Speed != nil && *s.Speed < 0 {
		return fmt.Errorf("%w: speed must be non-negative", ErrInvalidInput)
	}
	if s.Heading != nil && (*s.Heading < 0 || *s.Heading >= 360) {
		return fmt.Errorf("%w: heading must be within [0, 360)", ErrInvalidInput)
	}
	if s.Battery != nil && (*s.Battery < 0 || *s.Battery > 100) {
		return fmt.Errorf("%w: battery must be within [0, 100]", ErrInvalidInput)
	}
	if s.Source != "" && !s.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, s.Source)
	}
	if s.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidInput)
	}
	return nil
}
