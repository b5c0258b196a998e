//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/platform/auth"
	"github.com/depannage/dispatch/internal/store/postgres"
)

const (
	apiAddr   = "127.0.0.1:18080"
	sinkAddr  = "127.0.0.1:18082"
	jwtSecret = "integration-secret"
)

type managedProcess struct {
	name   string
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}

	mu      sync.RWMutex
	exited  bool
	exitErr error
}

type localStack struct {
	apiURL      string
	databaseURL string
	tokens      auth.Manager

	api  *managedProcess
	sink *managedProcess
}

var (
	buildOnce sync.Once
	buildDir  string
	buildErr  error
)

func TestAcceptedOfferReachesEventSink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	stack := startLocalStack(t)
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	techID := "it-tech-" + suffix
	clientID := "it-client-" + suffix
	techToken := stack.sign(t, techID, domain.RoleTechnician)
	clientToken := stack.sign(t, clientID, domain.RoleClient)

	seedTechnician(t, stack.databaseURL, techID)
	reportPosition(t, stack.apiURL, techID, techToken, 12.6520, -8.0010)
	status, body := stack.post(t, "/technicians/me/availability", techToken, map[string]bool{"is_available": true})
	mustStatus(t, http.StatusOK, status, body)

	status, body = stack.post(t, "/requests", clientToken, map[string]any{
		"client_id": clientID,
		"specialty": "plumbing",
		"priority":  "medium",
		"urgency":   "normal",
		"pickup":    map[string]any{"lat": 12.6508, "lon": -8.0000, "address": "Rue 12, Bamako"},
	})
	mustStatus(t, http.StatusCreated, status, body)
	var created struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(body), &created); err != nil || created.RequestID == "" {
		t.Fatalf("invalid create response: %v body=%s", err, body)
	}

	offerID := waitForPendingOffer(t, stack, clientToken, created.RequestID, techID, 10*time.Second)
	status, body = stack.post(t, "/offers/"+offerID+"/accept", techToken, nil)
	mustStatus(t, http.StatusOK, status, body)

	waitForProjection(t, stack.databaseURL, created.RequestID, string(domain.StatusAssigned), 30*time.Second, stack.processes()...)
	waitForEventCount(t, stack.databaseURL, created.RequestID, "OfferOutcome", 1, 30*time.Second, stack.processes()...)
}

func TestReadinessAndMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	stack := startLocalStack(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		status, body := stack.get(t, path, "")
		mustStatus(t, http.StatusOK, status, body)
	}
	status, body := stack.get(t, "/metrics", "")
	mustStatus(t, http.StatusOK, status, body)
	if !strings.Contains(body, "dispatch_live_sessions") {
		t.Fatalf("metrics output lacks dispatch_live_sessions:\n%s", truncate(body, 400))
	}

	resp, err := http.Get("http://" + sinkAddr + "/readyz")
	if err != nil {
		t.Fatalf("event-sink readiness: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event-sink readiness status=%d", resp.StatusCode)
	}
}

func startLocalStack(t *testing.T) *localStack {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	natsURL := os.Getenv("NATS_URL")
	if databaseURL == "" || natsURL == "" {
		t.Skip("DATABASE_URL and NATS_URL must point at running services")
	}

	root := repoRoot(t)
	buildServices(t, root)

	stack := &localStack{
		apiURL:      "http://" + apiAddr,
		databaseURL: databaseURL,
		tokens:      auth.NewManager(jwtSecret, time.Hour),
	}
	common := []string{"DATABASE_URL=" + databaseURL, "NATS_URL=" + natsURL}
	stack.api = startProcess(t, root, "dispatch-api", append([]string{
		"HTTP_ADDR=" + apiAddr,
		"JWT_SECRET=" + jwtSecret,
		"DISPATCH_ENV=development",
	}, common...), filepath.Join(buildDir, "dispatch-api"))
	stack.sink = startProcess(t, root, "event-sink", append([]string{
		"EVENT_SINK_ADDR=" + sinkAddr,
	}, common...), filepath.Join(buildDir, "event-sink"))

	t.Cleanup(func() {
		stopProcess(stack.sink)
		stopProcess(stack.api)
	})

	waitForTCP(t, apiAddr, 30*time.Second, stack.processes()...)
	waitForTCP(t, sinkAddr, 30*time.Second, stack.processes()...)
	waitForTable(t, databaseURL, "dispatch_events", 30*time.Second, stack.processes()...)
	return stack
}

func (s *localStack) processes() []*managedProcess {
	return []*managedProcess{s.api, s.sink}
}

func (s *localStack) sign(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	token, err := s.tokens.Sign(domain.Principal{UserID: userID, Role: role})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *localStack) post(t *testing.T, path, token string, payload any) (int, string) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	return s.do(t, http.MethodPost, path, token, body)
}

func (s *localStack) get(t *testing.T, path, token string) (int, string) {
	t.Helper()
	return s.do(t, http.MethodGet, path, token, nil)
}

func (s *localStack) do(t *testing.T, method, path, token string, body io.Reader) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.apiURL+path, body)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, string(raw)
}

func mustStatus(t *testing.T, want, got int, body string) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %d, want %d; body=%s", got, want, truncate(body, 400))
	}
}

func seedTechnician(t *testing.T, databaseURL, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	validUntil := time.Now().UTC().Add(24 * time.Hour)
	err = postgres.New(pool).SaveTechnician(ctx, domain.Technician{
		ID:                     id,
		Specialty:              "plumbing",
		Experience:             domain.ExperienceSenior,
		Rating:                 4.5,
		RatingCount:            12,
		IsVerified:             true,
		IsAvailable:            false,
		ServiceRadiusKm:        20,
		SubscriptionValidUntil: &validUntil,
	})
	if err != nil {
		t.Fatalf("seed technician: %v", err)
	}
}

func reportPosition(t *testing.T, apiURL, techID, token string, lat, lon float64) {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	wsURL := "ws" + strings.TrimPrefix(apiURL, "http") + "/live/location/technician/" + techID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial location channel: %v", err)
	}
	defer conn.Close()

	frame := map[string]any{
		"type": "location_update",
		"data": map[string]any{
			"lat":         lat,
			"lon":         lon,
			"source":      "gps",
			"is_moving":   false,
			"captured_at": time.Now().UTC(),
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write location frame: %v", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitForPendingOffer(t *testing.T, stack *localStack, clientToken, requestID, techID string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, body := stack.get(t, "/requests/"+requestID+"/offers", clientToken)
		if status == http.StatusOK {
			var offers []domain.Offer
			if err := json.Unmarshal([]byte(body), &offers); err == nil {
				for _, o := range offers {
					if o.TechnicianID == techID && o.Outcome == domain.OfferPending {
						return o.ID
					}
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for an offer to %s on %s\n%s", techID, requestID, processDebug(stack.processes()...))
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd failed: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate repository root from %s", dir)
		}
		dir = parent
	}
}

func buildServices(t *testing.T, root string) {
	t.Helper()
	buildOnce.Do(func() {
		buildDir, buildErr = os.MkdirTemp("", "dispatch-it-")
		if buildErr != nil {
			return
		}
		for _, name := range []string{"dispatch-api", "event-sink"} {
			if err := runCommandErr(root, "go", "build", "-o", filepath.Join(buildDir, name), "./cmd/"+name); err != nil {
				buildErr = err
				return
			}
		}
	})
	if buildErr != nil {
		t.Fatalf("build services failed: %v", buildErr)
	}
}

func runCommandErr(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command failed: %s %v\nerror: %v\noutput:\n%s", name, args, err, string(output))
	}
	return nil
}

func startProcess(t *testing.T, dir string, name string, env []string, command string, args ...string) *managedProcess {
	t.Helper()
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	p := &managedProcess{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start %s: %v", name, err)
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func stopProcess(p *managedProcess) {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func waitForTCP(t *testing.T, addr string, timeout time.Duration, processes ...*managedProcess) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		requireProcessesAlive(t, processes...)
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for tcp service at %s\n%s", addr, processDebug(processes...))
}

func queryUntil(t *testing.T, databaseURL string, timeout time.Duration, processes []*managedProcess, what string, check func(ctx context.Context, pool *pgxpool.Pool) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		requireProcessesAlive(t, processes...)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pool, err := pgxpool.New(ctx, databaseURL)
		if err == nil {
			ok := check(ctx, pool)
			pool.Close()
			cancel()
			if ok {
				return
			}
		} else {
			cancel()
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s\n%s", what, processDebug(processes...))
}

func waitForTable(t *testing.T, databaseURL string, table string, timeout time.Duration, processes ...*managedProcess) {
	t.Helper()
	queryUntil(t, databaseURL, timeout, processes, "table "+table, func(ctx context.Context, pool *pgxpool.Pool) bool {
		var got *string
		err := pool.QueryRow(ctx, "select to_regclass($1)", "public."+table).Scan(&got)
		return err == nil && got != nil && (*got == table || *got == "public."+table)
	})
}

func waitForProjection(t *testing.T, databaseURL, requestID, status string, timeout time.Duration, processes ...*managedProcess) {
	t.Helper()
	queryUntil(t, databaseURL, timeout, processes, "projection "+requestID+"="+status, func(ctx context.Context, pool *pgxpool.Pool) bool {
		var got string
		err := pool.QueryRow(ctx, "select status from request_projection where request_id=$1", requestID).Scan(&got)
		return err == nil && got == status
	})
}

func waitForEventCount(t *testing.T, databaseURL, requestID, kind string, min int, timeout time.Duration, processes ...*managedProcess) {
	t.Helper()
	queryUntil(t, databaseURL, timeout, processes, fmt.Sprintf("%d %s events", min, kind), func(ctx context.Context, pool *pgxpool.Pool) bool {
		var count int
		err := pool.QueryRow(ctx, "select count(*) from dispatch_events where request_id=$1 and kind=$2", requestID, kind).Scan(&count)
		return err == nil && count >= min
	})
}

func (p *managedProcess) debugString() string {
	return fmt.Sprintf("[%s]\nstdout:\n%s\nstderr:\n%s\n", p.name, p.stdout.String(), p.stderr.String())
}

func (p *managedProcess) state() (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exited, p.exitErr
}

func requireProcessesAlive(t *testing.T, processes ...*managedProcess) {
	t.Helper()
	for _, p := range processes {
		exited, err := p.state()
		if exited {
			if err == nil {
				t.Fatalf("%s exited unexpectedly.\n%s", p.name, p.debugString())
			}
			t.Fatalf("%s failed: %v\n%s", p.name, err, p.debugString())
		}
	}
}

func processDebug(processes ...*managedProcess) string {
	var out []string
	for _, p := range processes {
		out = append(out, p.debugString())
	}
	return strings.Join(out, "\n")
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
