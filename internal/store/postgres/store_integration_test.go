//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/store"
)

var _ store.Port = (*Store)(nil)
var _ store.History = (*Store)(nil)

func openStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func TestRequestLifecycleRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	techID := "t-" + nuid.Next()
	until := now.Add(24 * time.Hour)
	if err := s.SaveTechnician(ctx, domain.Technician{
		ID: techID, Specialty: "electrician", Experience: domain.ExperienceSenior, Rating: 4, RatingCount: 1,
		IsVerified: true, IsAvailable: true, ServiceRadiusKm: 10, SubscriptionValidUntil: &until,
	}); err != nil {
		t.Fatalf("SaveTechnician: %v", err)
	}

	r := domain.Request{
		ID: "r-" + nuid.Next(), ClientID: "c1", Specialty: "electrician",
		Priority: domain.PriorityMedium, Urgency: domain.UrgencyNormal,
		Pickup:    domain.Address{Point: domain.Point{Lat: 12.65, Lon: -8}},
		Status:    domain.StatusPending,
		CreatedAt: now,
		StatusTimestamps: map[domain.Status]time.Time{domain.StatusPending: now},
	}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	next := r.Clone()
	next.Status = domain.StatusAssigned
	next.TechnicianID = techID
	next.StatusTimestamps[domain.StatusAssigned] = now
	change := domain.StatusChange{RequestID: r.ID, From: domain.StatusPending, To: domain.StatusAssigned, ActorID: techID, ActorRole: domain.RoleTechnician, At: now}
	if err := s.UpdateRequestStatus(ctx, next, change); err != nil {
		t.Fatalf("UpdateRequestStatus: %v", err)
	}
	if err := s.UpdateRequestStatus(ctx, next, change); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale CAS err = %v", err)
	}
	got, err := s.GetRequest(ctx, r.ID)
	if err != nil || got.Status != domain.StatusAssigned || got.TechnicianID != techID {
		t.Fatalf("GetRequest = %+v, %v", got, err)
	}
	busy, _ := s.BusyTechnicians(ctx, []string{techID})
	if !busy[techID] {
		t.Fatal("assigned technician not busy")
	}

	offer := domain.Offer{ID: "o-" + nuid.Next(), RequestID: r.ID, TechnicianID: techID, Strategy: domain.StrategySequential,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute), Outcome: domain.OfferPending}
	if err := s.CreateOffer(ctx, offer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	dup := offer
	dup.ID = "o-" + nuid.Next()
	if err := s.CreateOffer(ctx, dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate pending offer err = %v", err)
	}
	if _, err := s.ResolveOffer(ctx, offer.ID, domain.OfferAccepted, "", now); err != nil {
		t.Fatalf("ResolveOffer: %v", err)
	}
	if _, err := s.ResolveOffer(ctx, offer.ID, domain.OfferTimeout, "", now); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("double resolve err = %v", err)
	}
}

func TestLatestLocationRejectsOlder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	owner := "c-" + nuid.Next()
	snap := domain.LocationSnapshot{OwnerKind: domain.OwnerClient, OwnerID: owner, Lat: 1, Lon: 1, Source: domain.SourceGPS, CapturedAt: now}
	if ok, err := s.SaveLatestLocation(ctx, snap); err != nil || !ok {
		t.Fatalf("first save = %v, %v", ok, err)
	}
	snap.CapturedAt = now.Add(-time.Second)
	if ok, _ := s.SaveLatestLocation(ctx, snap); ok {
		t.Fatal("older snapshot stored")
	}
}
