// Package postgres implements the persistence port on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depannage/dispatch/internal/domain"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// translate maps driver errors onto the engine taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s: %s", domain.ErrConflict, what, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrInternal, what, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, what, err)
}

// Requests

const requestColumns = `
id, client_id, specialty, priority, urgency, pickup_lat, pickup_lon, pickup_address,
min_rating, min_experience, estimated_price, status, status_reason, technician_id,
created_at, status_timestamps, completed_by_technician_at, review_rating`

func scanRequest(row pgx.Row) (domain.Request, error) {
	var (
		r          domain.Request
		timestamps []byte
	)
	err := row.Scan(
		&r.ID, &r.ClientID, &r.Specialty, &r.Priority, &r.Urgency,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.MinRating, &r.MinExperience, &r.EstimatedPrice,
		&r.Status, &r.StatusReason, &r.TechnicianID,
		&r.CreatedAt, &timestamps, &r.CompletedByTechnicianAt, &r.ReviewRating,
	)
	if err != nil {
		return domain.Request{}, err
	}
	r.StatusTimestamps = map[domain.Status]time.Time{}
	if len(timestamps) > 0 {
		if err := json.Unmarshal(timestamps, &r.StatusTimestamps); err != nil {
			return domain.Request{}, err
		}
	}
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r domain.Request) error {
	timestamps, err := json.Marshal(r.StatusTimestamps)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.ClientID, r.Specialty, r.Priority, r.Urgency,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.MinRating, r.MinExperience, r.EstimatedPrice,
		r.Status, r.StatusReason, r.TechnicianID,
		r.CreatedAt, timestamps, r.CompletedByTechnicianAt, r.ReviewRating,
	)
	return translate(err, "create request "+r.ID)
}

func (s *Store) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	r, err := scanRequest(s.Pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return domain.Request{}, translate(err, "request "+id)
	}
	return r, nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, r domain.Request, change domain.StatusChange) error {
	timestamps, err := json.Marshal(r.StatusTimestamps)
	if err != nil {
		return err
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translate(err, "begin")
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx,
		`UPDATE requests
		 SET status = $2, status_reason = $3, technician_id = $4, status_timestamps = $5,
		     completed_by_technician_at = $6
		 WHERE id = $1 AND status = $7`,
		r.ID, r.Status, r.StatusReason, r.TechnicianID, timestamps, r.CompletedByTechnicianAt, change.From,
	)
	if err != nil {
		return translate(err, "update request "+r.ID)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s is no longer %s", domain.ErrConflict, r.ID, change.From)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO request_status_history
		 (request_id, from_status, to_status, actor_id, actor_role, reason, technician_id, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		change.RequestID, change.From, change.To, change.ActorID, change.ActorRole,
		change.Reason, change.TechnicianID, change.At,
	); err != nil {
		return translate(err, "append status history "+r.ID)
	}
	return translate(tx.Commit(ctx), "commit")
}

func (s *Store) ListRequestsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Request, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status = ANY($1) ORDER BY created_at, id`,
		names,
	)
	if err != nil {
		return nil, translate(err, "list requests")
	}
	defer rows.Close()

	out := make([]domain.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, translate(err, "scan request")
		}
		out = append(out, r)
	}
	return out, translate(rows.Err(), "list requests")
}

func (s *Store) BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT DISTINCT technician_id FROM requests
		 WHERE status IN ('assigned', 'in_progress') AND technician_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, translate(err, "busy technicians")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate(err, "busy technicians")
		}
		out[id] = true
	}
	return out, translate(rows.Err(), "busy technicians")
}

func (s *Store) StatusHistory(ctx context.Context, requestID string) ([]domain.StatusChange, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT request_id, from_status, to_status, actor_id, actor_role, reason, technician_id, changed_at
		 FROM request_status_history WHERE request_id = $1 ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, translate(err, "status history")
	}
	defer rows.Close()
	out := make([]domain.StatusChange, 0)
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.RequestID, &c.From, &c.To, &c.ActorID, &c.ActorRole, &c.Reason, &c.TechnicianID, &c.At); err != nil {
			return nil, translate(err, "status history")
		}
		out = append(out, c)
	}
	return out, translate(rows.Err(), "status history")
}

func (s *Store) RecordReview(ctx context.Context, requestID string, rating int) (domain.Technician, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Technician{}, translate(err, "begin")
	}
	defer tx.Rollback(ctx)

	var technicianID string
	err = tx.QueryRow(ctx,
		`UPDATE requests SET review_rating = $2
		 WHERE id = $1 AND review_rating IS NULL
		 RETURNING technician_id`,
		requestID, rating,
	).Scan(&technicianID)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRequest(ctx, requestID); getErr != nil {
			return domain.Technician{}, getErr
		}
		return domain.Technician{}, fmt.Errorf("%w: request %s already reviewed", domain.ErrConflict, requestID)
	}
	if err != nil {
		return domain.Technician{}, translate(err, "review "+requestID)
	}

	t, err := scanTechnician(tx.QueryRow(ctx,
		`UPDATE technicians
		 SET rating = (rating * rating_count + $2) / (rating_count + 1),
		     rating_count = rating_count + 1,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+technicianColumns,
		technicianID, float64(rating),
	))
	if err != nil {
		return domain.Technician{}, translate(err, "technician "+technicianID)
	}
	return t, translate(tx.Commit(ctx), "commit")
}

// Technicians

const technicianColumns = `
id, user_id, specialty, experience_level, rating, rating_count, is_verified, is_available,
service_radius_km, subscription_valid_until`

func scanTechnician(row pgx.Row) (domain.Technician, error) {
	var t domain.Technician
	err := row.Scan(&t.ID, &t.UserID, &t.Specialty, &t.Experience, &t.Rating, &t.RatingCount,
		&t.IsVerified, &t.IsAvailable, &t.ServiceRadiusKm, &t.SubscriptionValidUntil)
	return t, err
}

func (s *Store) GetTechnician(ctx context.Context, id string) (domain.Technician, error) {
	t, err := scanTechnician(s.Pool.QueryRow(ctx, `SELECT `+technicianColumns+` FROM technicians WHERE id = $1`, id))
	if err != nil {
		return domain.Technician{}, translate(err, "technician "+id)
	}
	return t, nil
}

func (s *Store) SaveTechnician(ctx context.Context, t domain.Technician) error {
	if t.UserID == "" {
		t.UserID = t.ID
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO technicians (`+technicianColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   specialty = EXCLUDED.specialty,
		   experience_level = EXCLUDED.experience_level,
		   rating = EXCLUDED.rating,
		   rating_count = EXCLUDED.rating_count,
		   is_verified = EXCLUDED.is_verified,
		   is_available = EXCLUDED.is_available,
		   service_radius_km = EXCLUDED.service_radius_km,
		   subscription_valid_until = EXCLUDED.subscription_valid_until,
		   updated_at = now()`,
		t.ID, t.UserID, t.Specialty, t.Experience, t.Rating, t.RatingCount,
		t.IsVerified, t.IsAvailable, t.ServiceRadiusKm, t.SubscriptionValidUntil,
	)
	return translate(err, "save technician "+t.ID)
}

func (s *Store) ListAvailableTechnicians(ctx context.Context) ([]domain.Technician, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+technicianColumns+` FROM technicians WHERE is_available ORDER BY id`)
	if err != nil {
		return nil, translate(err, "list technicians")
	}
	defer rows.Close()
	out := make([]domain.Technician, 0)
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil {
			return nil, translate(err, "scan technician")
		}
		out = append(out, t)
	}
	return out, translate(rows.Err(), "list technicians")
}

func (s *Store) SetAvailability(ctx context.Context, id string, available bool) (domain.Technician, error) {
	t, err := scanTechnician(s.Pool.QueryRow(ctx,
		`UPDATE technicians SET is_available = $2, updated_at = now() WHERE id = $1 RETURNING `+technicianColumns,
		id, available,
	))
	if err != nil {
		return domain.Technician{}, translate(err, "technician "+id)
	}
	return t, nil
}

// Offers

const offerColumns = `
id, request_id, technician_id, group_id, strategy, distance_km, score, created_at, expires_at,
outcome, reason, resolved_at`

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(&o.ID, &o.RequestID, &o.TechnicianID, &o.GroupID, &o.Strategy, &o.DistanceKm, &o.Score,
		&o.CreatedAt, &o.ExpiresAt, &o.Outcome, &o.Reason, &o.ResolvedAt)
	return o, err
}

func (s *Store) CreateOffer(ctx context.Context, o domain.Offer) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO offers (`+offerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.RequestID, o.TechnicianID, o.GroupID, o.Strategy, o.DistanceKm, o.Score,
		o.CreatedAt, o.ExpiresAt, o.Outcome, o.Reason, o.ResolvedAt,
	)
	return translate(err, "create offer "+o.ID)
}

func (s *Store) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	o, err := scanOffer(s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		return domain.Offer{}, translate(err, "offer "+id)
	}
	return o, nil
}

func (s *Store) ResolveOffer(ctx context.Context, id string, outcome domain.OfferOutcome, reason string, at time.Time) (domain.Offer, error) {
	o, err := scanOffer(s.Pool.QueryRow(ctx,
		`UPDATE offers SET outcome = $2, reason = $3, resolved_at = $4
		 WHERE id = $1 AND outcome = 'pending'
		 RETURNING `+offerColumns,
		id, outcome, reason, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetOffer(ctx, id)
		if getErr != nil {
			return domain.Offer{}, getErr
		}
		return cur, fmt.Errorf("%w: offer %s is %s", domain.ErrConflict, id, cur.Outcome)
	}
	if err != nil {
		return domain.Offer{}, translate(err, "resolve offer "+id)
	}
	return o, nil
}

func (s *Store) listOffers(ctx context.Context, query string, args ...any) ([]domain.Offer, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list offers")
	}
	defer rows.Close()
	out := make([]domain.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, translate(err, "scan offer")
		}
		out = append(out, o)
	}
	return out, translate(rows.Err(), "list offers")
}

func (s *Store) ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error) {
	return s.listOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE request_id = $1 ORDER BY created_at, id`, requestID)
}

func (s *Store) ListPendingOffers(ctx context.Context) ([]domain.Offer, error) {
	return s.listOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE outcome = 'pending' ORDER BY created_at, id`)
}

func (s *Store) OfferStats(ctx context.Context, technicianID string, since time.Time) (domain.OfferStats, error) {
	var st domain.OfferStats
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE outcome IN ('accepted', 'declined', 'timeout')),
		        count(*) FILTER (WHERE outcome = 'accepted')
		 FROM offers WHERE technician_id = $1 AND created_at >= $2`,
		technicianID, since,
	).Scan(&st.Offered, &st.Accepted)
	return st, translate(err, "offer stats")
}

// Locations

const locationColumns = `
owner_kind, owner_id, lat, lon, accuracy, speed, heading, is_moving, battery, source, captured_at`

func scanLocation(row pgx.Row) (domain.LocationSnapshot, error) {
	var l domain.LocationSnapshot
	err := row.Scan(&l.OwnerKind, &l.OwnerID, &l.Lat, &l.Lon, &l.Accuracy, &l.Speed, &l.Heading,
		&l.IsMoving, &l.Battery, &l.Source, &l.CapturedAt)
	return l, err
}

func locationArgs(l domain.LocationSnapshot) []any {
	return []any{l.OwnerKind, l.OwnerID, l.Lat, l.Lon, l.Accuracy, l.Speed, l.Heading, l.IsMoving, l.Battery, l.Source, l.CapturedAt}
}

func (s *Store) SaveLatestLocation(ctx context.Context, l domain.LocationSnapshot) (bool, error) {
	res, err := s.Pool.Exec(ctx,
		`INSERT INTO location_latest (`+locationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (owner_kind, owner_id) DO UPDATE SET
		   lat = EXCLUDED.lat, lon = EXCLUDED.lon, accuracy = EXCLUDED.accuracy,
		   speed = EXCLUDED.speed, heading = EXCLUDED.heading, is_moving = EXCLUDED.is_moving,
		   battery = EXCLUDED.battery, source = EXCLUDED.source, captured_at = EXCLUDED.captured_at
		 WHERE location_latest.captured_at < EXCLUDED.captured_at`,
		locationArgs(l)...,
	)
	if err != nil {
		return false, translate(err, "save location "+l.OwnerKey())
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) LatestLocation(ctx context.Context, kind domain.OwnerKind, ownerID string) (domain.LocationSnapshot, error) {
	l, err := scanLocation(s.Pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM location_latest WHERE owner_kind = $1 AND owner_id = $2`,
		kind, ownerID,
	))
	if err != nil {
		return domain.LocationSnapshot{}, translate(err, "location "+domain.OwnerKey(kind, ownerID))
	}
	return l, nil
}

func (s *Store) AppendLocationHistory(ctx context.Context, l domain.LocationSnapshot) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO location_history (`+locationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		locationArgs(l)...,
	)
	return translate(err, "append location history")
}

func (s *Store) LocationHistory(ctx context.Context, kind domain.OwnerKind, ownerID string, since time.Time) ([]domain.LocationSnapshot, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+locationColumns+` FROM location_history
		 WHERE owner_kind = $1 AND owner_id = $2 AND captured_at >= $3
		 ORDER BY captured_at, id`,
		kind, ownerID, since,
	)
	if err != nil {
		return nil, translate(err, "location history")
	}
	defer rows.Close()
	out := make([]domain.LocationSnapshot, 0)
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, translate(err, "scan location")
		}
		out = append(out, l)
	}
	return out, translate(rows.Err(), "location history")
}

func (s *Store) PruneLocationHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `DELETE FROM location_history WHERE captured_at < $1`, before)
	if err != nil {
		return 0, translate(err, "prune location history")
	}
	return res.RowsAffected(), nil
}

// Conversations

const conversationColumns = `id, request_id, client_id, technician_id, is_active, last_message_at, created_at`

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.RequestID, &c.ClientID, &c.TechnicianID, &c.IsActive, &c.LastMessageAt, &c.CreatedAt)
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (request_id) DO NOTHING`,
		c.ID, c.RequestID, c.ClientID, c.TechnicianID, c.IsActive, c.LastMessageAt, c.CreatedAt,
	); err != nil {
		return domain.Conversation{}, translate(err, "create conversation")
	}
	return s.ConversationByRequest(ctx, c.RequestID)
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	c, err := scanConversation(s.Pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return domain.Conversation{}, translate(err, "conversation "+id)
	}
	return c, nil
}

func (s *Store) ConversationByRequest(ctx context.Context, requestID string) (domain.Conversation, error) {
	c, err := scanConversation(s.Pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE request_id = $1`, requestID))
	if err != nil {
		return domain.Conversation{}, translate(err, "conversation for request "+requestID)
	}
	return c, nil
}

func (s *Store) SetConversationActive(ctx context.Context, id string, active bool) error {
	res, err := s.Pool.Exec(ctx, `UPDATE conversations SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return translate(err, "conversation "+id)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	var lat, lon *float64
	if m.Coords != nil {
		lat, lon = &m.Coords.Lat, &m.Coords.Lon
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Message{}, translate(err, "begin")
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender_id, kind, body, lat, lon, duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		m.ConversationID, m.SenderID, m.Kind, m.Body, lat, lon, m.DurationSeconds, m.CreatedAt,
	).Scan(&m.ID); err != nil {
		return domain.Message{}, translate(err, "append message")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`,
		m.ConversationID, m.CreatedAt,
	); err != nil {
		return domain.Message{}, translate(err, "touch conversation")
	}
	return m, translate(tx.Commit(ctx), "commit")
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, kind, body, lat, lon, duration_seconds, created_at, read_at
		 FROM messages WHERE conversation_id = $1 AND id > $2
		 ORDER BY id LIMIT $3`,
		conversationID, afterID, limit,
	)
	if err != nil {
		return nil, translate(err, "list messages")
	}
	defer rows.Close()
	out := make([]domain.Message, 0)
	for rows.Next() {
		var (
			m        domain.Message
			lat, lon *float64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Body, &lat, &lon,
			&m.DurationSeconds, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, translate(err, "scan message")
		}
		if lat != nil && lon != nil {
			m.Coords = &domain.Point{Lat: *lat, Lon: *lon}
		}
		out = append(out, m)
	}
	return out, translate(rows.Err(), "list messages")
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, upTo int64, at time.Time) (int, error) {
	res, err := s.Pool.Exec(ctx,
		`UPDATE messages SET read_at = $4
		 WHERE conversation_id = $1 AND sender_id <> $2 AND id <= $3 AND read_at IS NULL`,
		conversationID, readerID, upTo, at,
	)
	if err != nil {
		return 0, translate(err, "mark read")
	}
	return int(res.RowsAffected()), nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL`,
		conversationID, userID,
	).Scan(&n)
	return n, translate(err, "unread count")
}

// Notifications

func (s *Store) SaveNotification(ctx context.Context, n domain.NotificationRecord) (bool, error) {
	res, err := s.Pool.Exec(ctx,
		`INSERT INTO notifications (id, event_id, recipient_id, kind, request_id, title, body, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (event_id, recipient_id) DO NOTHING`,
		n.ID, n.EventID, n.RecipientID, n.Kind, n.RequestID, n.Title, n.Body, []byte(n.Payload), n.CreatedAt,
	)
	if err != nil {
		return false, translate(err, "save notification")
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, event_id, recipient_id, kind, request_id, title, body, payload, created_at, read_at
		 FROM notifications
		 WHERE recipient_id = $1 AND (NOT $2 OR read_at IS NULL)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		recipientID, unreadOnly, limit,
	)
	if err != nil {
		return nil, translate(err, "list notifications")
	}
	defer rows.Close()
	out := make([]domain.NotificationRecord, 0)
	for rows.Next() {
		var (
			n       domain.NotificationRecord
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.EventID, &n.RecipientID, &n.Kind, &n.RequestID, &n.Title, &n.Body,
			&payload, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, translate(err, "scan notification")
		}
		n.Payload = payload
		out = append(out, n)
	}
	return out, translate(rows.Err(), "list notifications")
}

func (s *Store) MarkNotificationRead(ctx context.Context, recipientID, id string, at time.Time) error {
	res, err := s.Pool.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, $3) WHERE id = $1 AND recipient_id = $2`,
		id, recipientID, at,
	)
	if err != nil {
		return translate(err, "mark notification read")
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}
