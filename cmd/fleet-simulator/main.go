package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/auth"
	"github.com/depannage/dispatch/internal/platform/dbpool"
	"github.com/depannage/dispatch/internal/platform/env"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/store/postgres"
)

const kmPerDegree = 111.32

type config struct {
	APIBase          string
	DatabaseURL      string
	JWTSecret        string
	Technicians      int
	Clients          int
	Specialty        string
	CenterLat        float64
	CenterLon        float64
	SpreadKm         float64
	SpeedKmH         float64
	ReportInterval   time.Duration
	RequestInterval  time.Duration
	AcceptRatio      float64
	JobDuration      time.Duration
	StartupWait      time.Duration
	Duration         time.Duration
	RampUp           time.Duration
	RequestTimeout   time.Duration
	MetricsAddr      string
	SetupConcurrency int
}

type createResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type offerPayload struct {
	OfferID string `json:"offer_id"`
}

// simulatedTechnician drifts around its start point and reports positions
// over the location ingress channel.
type simulatedTechnician struct {
	Index int
	ID    string
	Token string

	mu       sync.Mutex
	position domain.Point
	heading  float64
}

type simulatedClient struct {
	Index  int
	ID     string
	Token  string
	Pickup domain.Point
}

type runner struct {
	cfg    config
	runID  string
	tokens auth.Manager
	api    *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	positionsSent   atomic.Int64
	liveSessions    atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "dispatch_sim_requests_total",
		Help: "HTTP requests sent by the fleet simulator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "dispatch_sim_actions_total",
		Help: "Simulated actions by outcome.",
	}, []string{"action", "outcome"})

	liveSessionsGauge = metrics.NewGauge(metrics.Opts{
		Name: "dispatch_sim_live_sessions",
		Help: "Open simulator websocket sessions.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, liveSessionsGauge)
}

func main() {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "fleet-simulator")
	if cfg.Technicians <= 0 || cfg.SetupConcurrency <= 0 {
		logger.Error("technicians and setup-concurrency must be > 0")
		os.Exit(2)
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr, logger)

	transport := &http.Transport{
		MaxIdleConns:        (cfg.Technicians + cfg.Clients) * 2,
		MaxIdleConnsPerHost: (cfg.Technicians + cfg.Clients) * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 36),
		tokens: auth.NewManager(cfg.JWTSecret, cfg.Duration+time.Hour),
		api:    &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		logger: logger,
	}

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		logger.Error("dispatch-api not ready", "err", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	techs, err := r.setupTechnicians(ctx, rng)
	if err != nil {
		logger.Error("technician setup failed", "err", err)
		os.Exit(1)
	}
	clients := r.setupClients(rng)
	logger.Info("fleet simulator initialized",
		"technicians", len(techs), "clients", len(clients), "duration", cfg.Duration.String())

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, t := range techs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.runTechnician(ctx, t)
		}()
		go func() {
			defer wg.Done()
			r.runOfferInbox(ctx, t)
		}()
	}
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runClient(ctx, c)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	logger.Info("simulation complete",
		"success_requests", r.requestsSuccess.Load(),
		"error_requests", r.requestsError.Load(),
		"positions_sent", r.positionsSent.Load())
}

func loadConfig() config {
	var cfg config
	pflag.StringVar(&cfg.APIBase, "api-base", env.String("SIM_API_BASE", "http://localhost:8080"), "dispatch-api base URL")
	pflag.StringVar(&cfg.DatabaseURL, "database-url", env.String("DATABASE_URL", ""), "seed technician profiles into this database (empty skips seeding)")
	pflag.StringVar(&cfg.JWTSecret, "jwt-secret", env.String("JWT_SECRET", "dev-insecure-change-me"), "secret shared with dispatch-api for signing tokens")
	pflag.IntVar(&cfg.Technicians, "technicians", env.Int("SIM_TECHNICIANS", 50), "simulated technicians")
	pflag.IntVar(&cfg.Clients, "clients", env.Int("SIM_CLIENTS", 10), "simulated clients posting requests")
	pflag.StringVar(&cfg.Specialty, "specialty", env.String("SIM_SPECIALTY", "plumbing"), "specialty of every simulated technician and request")
	pflag.Float64Var(&cfg.CenterLat, "center-lat", env.Float("SIM_CENTER_LAT", 12.6392), "latitude of the simulated area")
	pflag.Float64Var(&cfg.CenterLon, "center-lon", env.Float("SIM_CENTER_LON", -8.0029), "longitude of the simulated area")
	pflag.Float64Var(&cfg.SpreadKm, "spread-km", env.Float("SIM_SPREAD_KM", 10), "radius of the simulated area")
	pflag.Float64Var(&cfg.SpeedKmH, "speed-kmh", env.Float("SIM_SPEED_KMH", 25), "technician travel speed")
	pflag.DurationVar(&cfg.ReportInterval, "report-interval", env.Duration("SIM_REPORT_INTERVAL", 3*time.Second), "position report period per technician")
	pflag.DurationVar(&cfg.RequestInterval, "request-interval", env.Duration("SIM_REQUEST_INTERVAL", 30*time.Second), "request period per client")
	pflag.Float64Var(&cfg.AcceptRatio, "accept-ratio", env.Float("SIM_ACCEPT_RATIO", 0.7), "share of offers a technician accepts")
	pflag.DurationVar(&cfg.JobDuration, "job-duration", env.Duration("SIM_JOB_DURATION", 20*time.Second), "time between start and completion of an accepted job")
	pflag.DurationVar(&cfg.StartupWait, "startup-wait", env.Duration("SIM_STARTUP_WAIT", 2*time.Minute), "how long to wait for dispatch-api readiness")
	pflag.DurationVar(&cfg.Duration, "duration", env.Duration("SIM_DURATION", 10*time.Minute), "simulation length")
	pflag.DurationVar(&cfg.RampUp, "ramp-up", env.Duration("SIM_RAMP_UP", 15*time.Second), "spread of session start times")
	pflag.DurationVar(&cfg.RequestTimeout, "request-timeout", env.Duration("SIM_REQUEST_TIMEOUT", 10*time.Second), "HTTP and handshake timeout")
	pflag.StringVar(&cfg.MetricsAddr, "metrics-addr", env.String("SIM_METRICS_ADDR", ":9099"), "metrics listen address")
	pflag.IntVar(&cfg.SetupConcurrency, "setup-concurrency", env.Int("SIM_SETUP_CONCURRENCY", 16), "parallel setup calls")
	pflag.Parse()
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	return cfg
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.api.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expectedStatus {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

// setupTechnicians signs a token per technician, optionally seeds the
// profiles, and marks everyone available.
func (r *runner) setupTechnicians(ctx context.Context, rng *rand.Rand) ([]*simulatedTechnician, error) {
	techs := make([]*simulatedTechnician, 0, r.cfg.Technicians)
	for i := 0; i < r.cfg.Technicians; i++ {
		id := fmt.Sprintf("sim-tech-%s-%04d", r.runID, i)
		token, err := r.tokens.Sign(domain.Principal{UserID: id, Role: domain.RoleTechnician})
		if err != nil {
			return nil, err
		}
		techs = append(techs, &simulatedTechnician{
			Index:    i,
			ID:       id,
			Token:    token,
			position: r.randomPoint(rng),
			heading:  rng.Float64() * 2 * math.Pi,
		})
	}

	if r.cfg.DatabaseURL != "" {
		if err := r.seedTechnicians(ctx, techs, rng); err != nil {
			return nil, err
		}
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, t := range techs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			body := map[string]bool{"is_available": true}
			if _, err := r.requestJSON(ctx, "availability", http.MethodPost, "/technicians/me/availability", body, t.Token, nil, http.StatusOK); err != nil {
				failures.Add(1)
				r.logger.Warn("availability failed", "technician_id", t.ID, "err", err)
			}
		}()
	}
	wg.Wait()
	r.logger.Info("technician setup complete", "technicians", len(techs), "availability_failures", failures.Load())
	return techs, nil
}

func (r *runner) seedTechnicians(ctx context.Context, techs []*simulatedTechnician, rng *rand.Rand) error {
	pool, err := dbpool.New(ctx, r.cfg.DatabaseURL, "fleet-simulator", r.logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := postgres.New(pool)
	levels := []domain.ExperienceLevel{domain.ExperienceJunior, domain.ExperienceIntermediate, domain.ExperienceSenior, domain.ExperienceExpert}
	validUntil := time.Now().UTC().Add(30 * 24 * time.Hour)
	for _, t := range techs {
		err := st.SaveTechnician(ctx, domain.Technician{
			ID:                     t.ID,
			UserID:                 t.ID,
			Specialty:              r.cfg.Specialty,
			Experience:             levels[rng.Intn(len(levels))],
			Rating:                 3 + 2*rng.Float64(),
			RatingCount:            rng.Intn(50),
			IsVerified:             true,
			IsAvailable:            true,
			ServiceRadiusKm:        r.cfg.SpreadKm * 2,
			SubscriptionValidUntil: &validUntil,
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", t.ID, err)
		}
	}
	return nil
}

func (r *runner) setupClients(rng *rand.Rand) []*simulatedClient {
	clients := make([]*simulatedClient, 0, r.cfg.Clients)
	for i := 0; i < r.cfg.Clients; i++ {
		id := fmt.Sprintf("sim-client-%s-%04d", r.runID, i)
		token, err := r.tokens.Sign(domain.Principal{UserID: id, Role: domain.RoleClient})
		if err != nil {
			r.logger.Warn("sign client token", "client_id", id, "err", err)
			continue
		}
		clients = append(clients, &simulatedClient{Index: i, ID: id, Token: token, Pickup: r.randomPoint(rng)})
	}
	return clients
}

func (r *runner) rampDelay(ctx context.Context, idx, total int) bool {
	if r.cfg.RampUp <= 0 || total <= 0 {
		return true
	}
	delay := time.Duration(float64(r.cfg.RampUp) / float64(total) * float64(idx))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// runTechnician keeps one location session open, reconnecting after
// failures, until ctx ends.
func (r *runner) runTechnician(ctx context.Context, t *simulatedTechnician) {
	if !r.rampDelay(ctx, t.Index, r.cfg.Technicians) {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(t.Index*7)))
	for ctx.Err() == nil {
		if err := r.streamPositions(ctx, t, rng); err != nil && ctx.Err() == nil {
			r.logger.Warn("location session ended", "technician_id", t.ID, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) streamPositions(ctx context.Context, t *simulatedTechnician, rng *rand.Rand) error {
	conn, err := r.dial(ctx, "/live/location/technician/"+t.ID, t.Token)
	if err != nil {
		return err
	}
	defer r.closeSession(conn)

	readErr := make(chan error, 1)
	go func() {
		for {
			var f inboundFrame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			if f.Type == live.FrameError {
				actionsTotal.WithLabelValues("position", "rejected").Inc()
			}
		}
	}()

	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation over"), time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			snap := t.step(rng, r.cfg.SpeedKmH, r.cfg.ReportInterval)
			frame := map[string]any{"type": live.FrameLocationUpdate, "data": snap}
			if err := conn.WriteJSON(frame); err != nil {
				actionsTotal.WithLabelValues("position", "error").Inc()
				return err
			}
			r.positionsSent.Add(1)
			actionsTotal.WithLabelValues("position", "sent").Inc()
		}
	}
}

// runOfferInbox listens on the technician's user channel and answers job
// offers, then plays the accepted job through start and completion.
func (r *runner) runOfferInbox(ctx context.Context, t *simulatedTechnician) {
	if !r.rampDelay(ctx, t.Index, r.cfg.Technicians) {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(t.Index*13)))
	for ctx.Err() == nil {
		if err := r.readOffers(ctx, t, rng); err != nil && ctx.Err() == nil {
			r.logger.Warn("user session ended", "technician_id", t.ID, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) readOffers(ctx context.Context, t *simulatedTechnician, rng *rand.Rand) error {
	conn, err := r.dial(ctx, "/live/user/"+t.ID, t.Token)
	if err != nil {
		return err
	}
	defer r.closeSession(conn)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var f inboundFrame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != live.FrameNotification {
			continue
		}
		var rec domain.NotificationRecord
		if err := json.Unmarshal(f.Data, &rec); err != nil || rec.Kind != domain.NotifyOfferCreated {
			continue
		}
		var offer offerPayload
		if err := json.Unmarshal(rec.Payload, &offer); err != nil || offer.OfferID == "" {
			continue
		}
		go r.answerOffer(ctx, t, offer.OfferID, rec.RequestID, rng.Float64() < r.cfg.AcceptRatio)
	}
}

func (r *runner) answerOffer(ctx context.Context, t *simulatedTechnician, offerID, requestID string, accept bool) {
	if !accept {
		_, err := r.requestJSON(ctx, "offer_decline", http.MethodPost, "/offers/"+offerID+"/decline", nil, t.Token, nil, http.StatusOK, http.StatusConflict)
		actionsTotal.WithLabelValues("decline", outcome(err)).Inc()
		return
	}
	status, err := r.requestJSON(ctx, "offer_accept", http.MethodPost, "/offers/"+offerID+"/accept", nil, t.Token, nil, http.StatusOK, http.StatusConflict)
	if err != nil || status == http.StatusConflict {
		actionsTotal.WithLabelValues("accept", "lost").Inc()
		return
	}
	actionsTotal.WithLabelValues("accept", "won").Inc()

	for _, step := range []string{"start", "complete"} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.JobDuration / 2):
		}
		_, err := r.requestJSON(ctx, "request_"+step, http.MethodPost, "/requests/"+requestID+"/"+step, nil, t.Token, nil, http.StatusOK)
		actionsTotal.WithLabelValues(step, outcome(err)).Inc()
		if err != nil {
			return
		}
	}
}

func (r *runner) runClient(ctx context.Context, c *simulatedClient) {
	if !r.rampDelay(ctx, c.Index, r.cfg.Clients) {
		return
	}
	ticker := time.NewTicker(r.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		var resp createResponse
		_, err := r.requestJSON(ctx, "request_create", http.MethodPost, "/requests", domain.NewRequest{
			ClientID:  c.ID,
			Specialty: r.cfg.Specialty,
			Priority:  domain.PriorityMedium,
			Urgency:   domain.UrgencyNormal,
			Pickup:    domain.Address{Point: c.Pickup, Address: fmt.Sprintf("Simulated address %d", c.Index)},
		}, c.Token, &resp, http.StatusCreated)
		actionsTotal.WithLabelValues("create_request", outcome(err)).Inc()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *runner) dial(ctx context.Context, path, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(r.cfg.APIBase, "http") + path
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		requestsTotal.WithLabelValues("live_open", http.MethodGet, statusOf(resp), "error").Inc()
		r.requestsError.Add(1)
		return nil, err
	}
	requestsTotal.WithLabelValues("live_open", http.MethodGet, statusOf(resp), "success").Inc()
	r.requestsSuccess.Add(1)
	liveSessionsGauge.Inc()
	r.liveSessions.Add(1)
	return conn, nil
}

func (r *runner) closeSession(conn *websocket.Conn) {
	_ = conn.Close()
	liveSessionsGauge.Dec()
	r.liveSessions.Add(-1)
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, method, path string,
	payload any,
	bearerToken string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := r.api.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	statusText := strconv.Itoa(resp.StatusCode)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	for _, expected := range expectedStatuses {
		if resp.StatusCode != expected {
			continue
		}
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info("progress",
				"success_requests", r.requestsSuccess.Load(),
				"error_requests", r.requestsError.Load(),
				"positions_sent", r.positionsSent.Load(),
				"live_sessions", r.liveSessions.Load())
		}
	}
}

func runMetricsServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "err", err)
	}
}

// randomPoint picks a uniformly distributed point inside the simulated disc.
func (r *runner) randomPoint(rng *rand.Rand) domain.Point {
	dist := r.cfg.SpreadKm * math.Sqrt(rng.Float64())
	bearing := rng.Float64() * 2 * math.Pi
	return offset(domain.Point{Lat: r.cfg.CenterLat, Lon: r.cfg.CenterLon}, dist, bearing)
}

// step advances the technician along a wandering heading and returns the
// snapshot to report.
func (t *simulatedTechnician) step(rng *rand.Rand, speedKmH float64, every time.Duration) domain.LocationSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heading += (rng.Float64() - 0.5) * math.Pi / 4
	moving := rng.Float64() < 0.8
	if moving {
		t.position = offset(t.position, speedKmH*every.Hours(), t.heading)
	}
	speed := 0.0
	if moving {
		speed = speedKmH / 3.6
	}
	accuracy := 5 + 10*rng.Float64()
	return domain.LocationSnapshot{
		OwnerKind:  domain.OwnerTechnician,
		OwnerID:    t.ID,
		Lat:        t.position.Lat,
		Lon:        t.position.Lon,
		Accuracy:   &accuracy,
		Speed:      &speed,
		IsMoving:   moving,
		Source:     domain.SourceGPS,
		CapturedAt: time.Now().UTC(),
	}
}

func offset(p domain.Point, km, bearing float64) domain.Point {
	lat := p.Lat + km*math.Cos(bearing)/kmPerDegree
	lon := p.Lon + km*math.Sin(bearing)/(kmPerDegree*math.Cos(p.Lat*math.Pi/180))
	return domain.Point{Lat: math.Max(-90, math.Min(90, lat)), Lon: math.Mod(lon+540, 360) - 180}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusOf(resp *http.Response) string {
	if resp == nil {
		return "0"
	}
	return strconv.Itoa(resp.StatusCode)
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
