package postgres

const createTechniciansSQL = `
CREATE TABLE IF NOT EXISTS technicians (
  id text PRIMARY KEY,
  user_id text NOT NULL,
  specialty text NOT NULL,
  experience_level text NOT NULL DEFAULT '',
  rating double precision NOT NULL DEFAULT 0,
  rating_count integer NOT NULL DEFAULT 0,
  is_verified boolean NOT NULL DEFAULT false,
  is_available boolean NOT NULL DEFAULT false,
  service_radius_km double precision NOT NULL DEFAULT 0,
  subscription_valid_until timestamptz,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createRequestsSQL = `
CREATE TABLE IF NOT EXISTS requests (
  id text PRIMARY KEY,
  client_id text NOT NULL,
  specialty text NOT NULL,
  priority text NOT NULL,
  urgency text NOT NULL,
  pickup_lat double precision NOT NULL,
  pickup_lon double precision NOT NULL,
  pickup_address text NOT NULL DEFAULT '',
  min_rating double precision,
  min_experience text NOT NULL DEFAULT '',
  estimated_price double precision,
  status text NOT NULL,
  status_reason text NOT NULL DEFAULT '',
  technician_id text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL,
  status_timestamps jsonb NOT NULL DEFAULT '{}'::jsonb,
  completed_by_technician_at timestamptz,
  review_rating integer
)`

const createRequestsStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS requests_status_idx ON requests (status)`

const createRequestsTechnicianIndexSQL = `
CREATE INDEX IF NOT EXISTS requests_technician_active_idx
ON requests (technician_id) WHERE status IN ('assigned', 'in_progress')`

const createStatusHistorySQL = `
CREATE TABLE IF NOT EXISTS request_status_history (
  id bigserial PRIMARY KEY,
  request_id text NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
  from_status text NOT NULL,
  to_status text NOT NULL,
  actor_id text NOT NULL,
  actor_role text NOT NULL,
  reason text NOT NULL DEFAULT '',
  technician_id text NOT NULL DEFAULT '',
  changed_at timestamptz NOT NULL
)`

const createOffersSQL = `
CREATE TABLE IF NOT EXISTS offers (
  id text PRIMARY KEY,
  request_id text NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
  technician_id text NOT NULL,
  group_id text NOT NULL DEFAULT '',
  strategy text NOT NULL,
  distance_km double precision NOT NULL,
  score double precision NOT NULL,
  created_at timestamptz NOT NULL,
  expires_at timestamptz NOT NULL,
  outcome text NOT NULL,
  reason text NOT NULL DEFAULT '',
  resolved_at timestamptz
)`

const createOffersPendingUniqueSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS offers_one_pending_per_pair
ON offers (request_id, technician_id) WHERE outcome = 'pending'`

const createOffersTechnicianIndexSQL = `
CREATE INDEX IF NOT EXISTS offers_technician_created_idx ON offers (technician_id, created_at)`

const createLatestLocationSQL = `
CREATE TABLE IF NOT EXISTS location_latest (
  owner_kind text NOT NULL,
  owner_id text NOT NULL,
  lat double precision NOT NULL,
  lon double precision NOT NULL,
  accuracy double precision,
  speed double precision,
  heading double precision,
  is_moving boolean NOT NULL DEFAULT false,
  battery double precision,
  source text NOT NULL DEFAULT '',
  captured_at timestamptz NOT NULL,
  PRIMARY KEY (owner_kind, owner_id)
)`

const createLocationHistorySQL = `
CREATE TABLE IF NOT EXISTS location_history (
  id bigserial PRIMARY KEY,
  owner_kind text NOT NULL,
  owner_id text NOT NULL,
  lat double precision NOT NULL,
  lon double precision NOT NULL,
  accuracy double precision,
  speed double precision,
  heading double precision,
  is_moving boolean NOT NULL DEFAULT false,
  battery double precision,
  source text NOT NULL DEFAULT '',
  captured_at timestamptz NOT NULL
)`

const createLocationHistoryIndexSQL = `
CREATE INDEX IF NOT EXISTS location_history_owner_idx ON location_history (owner_kind, owner_id, captured_at)`

const createConversationsSQL = `
CREATE TABLE IF NOT EXISTS conversations (
  id text PRIMARY KEY,
  request_id text NOT NULL UNIQUE REFERENCES requests(id) ON DELETE CASCADE,
  client_id text NOT NULL,
  technician_id text NOT NULL,
  is_active boolean NOT NULL DEFAULT true,
  last_message_at timestamptz,
  created_at timestamptz NOT NULL
)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
  id bigserial PRIMARY KEY,
  conversation_id text NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  sender_id text NOT NULL,
  kind text NOT NULL,
  body text NOT NULL DEFAULT '',
  lat double precision,
  lon double precision,
  duration_seconds integer,
  created_at timestamptz NOT NULL,
  read_at timestamptz
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, id)`

const createNotificationsSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  id text PRIMARY KEY,
  event_id text NOT NULL,
  recipient_id text NOT NULL,
  kind text NOT NULL,
  request_id text NOT NULL DEFAULT '',
  title text NOT NULL,
  body text NOT NULL,
  payload jsonb,
  created_at timestamptz NOT NULL,
  read_at timestamptz,
  UNIQUE (event_id, recipient_id)
)`

const createNotificationsRecipientIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_recipient_idx ON notifications (recipient_id, created_at DESC)`

var schema = []string{
	createTechniciansSQL,
	createRequestsSQL,
	createRequestsStatusIndexSQL,
	createRequestsTechnicianIndexSQL,
	createStatusHistorySQL,
	createOffersSQL,
	createOffersPendingUniqueSQL,
	createOffersTechnicianIndexSQL,
	createLatestLocationSQL,
	createLocationHistorySQL,
	createLocationHistoryIndexSQL,
	createConversationsSQL,
	createMessagesSQL,
	createMessagesIndexSQL,
	createNotificationsSQL,
	createNotificationsRecipientIndexSQL,
}
