package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"ipguard/internal/auth"
	"ipguard/internal/database"
	"ipguard/internal/trust"
)

type capturedCode struct {
	to   string
	code string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []capturedCode
	err  error
}

func (m *captureMailer) SendVerificationCode(ctx context.Context, to, code, location string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, capturedCode{to: to, code: code})
	return nil
}

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no verification code was sent")
	}
	return m.sent[len(m.sent)-1].code
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiEnv struct {
	server *httptest.Server
	trust  *database.TrustRecordStore
	users  *database.UserStore
	mailer *captureMailer
	clock  *testClock
}

const (
	homeIP   = "203.0.113.10"
	travelIP = "198.51.100.20"
	password = "correct-horse"
)

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	t.Setenv("JWT_SECRET", "server-test-secret")

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("busy timeout: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	env := &apiEnv{
		trust:  database.NewTrustRecordStore(db),
		users:  database.NewUserStore(db),
		mailer: &captureMailer{},
		clock:  &testClock{now: time.Now().UTC()},
	}
	challenges := database.NewChallengeStore(db)
	policy := func() trust.Policy {
		return trust.Policy{CodeTTL: 10 * time.Minute, PollInterval: 2 * time.Second}
	}

	enricher := trust.NewEnricher(nil, env.trust, time.Second)
	issuer := trust.NewIssuer(trust.IssuerDeps{
		Trust:      env.trust,
		Challenges: challenges,
		Mailer:     env.mailer,
		Throttle:   trust.NewStoreThrottle(challenges, policy),
		Policy:     policy,
		Now:        env.clock.Now,
	})
	engine := trust.NewEngine(trust.EngineDeps{
		Credentials: trust.PasswordVerifier{Users: env.users},
		Trust:       env.trust,
		Issuer:      issuer,
		Sessions:    auth.SessionIssuer{},
		Enricher:    enricher,
		Policy:      policy,
		Now:         env.clock.Now,
	})

	srv, err := New(Deps{
		Engine:   engine,
		Verifier: issuer,
		Users:    env.users,
		Tracker:  trust.NewTracker(env.trust, enricher),
		Admin:    trust.NewAdmin(env.trust),
		Overview: env.trust,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	t.Cleanup(enricher.Wait)
	return env
}

type apiRequest struct {
	method string
	path   string
	body   any
	token  string
	origin string
	accept string
}

func (env *apiEnv) do(t *testing.T, req apiRequest) (*http.Response, map[string]any) {
	t.Helper()

	var body bytes.Buffer
	if req.body != nil {
		if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	httpReq, err := http.NewRequest(req.method, env.server.URL+req.path, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.origin != "" {
		httpReq.Header.Set("X-Forwarded-For", req.origin)
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("%s %s: %v", req.method, req.path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&payload)
	}
	return resp, payload
}

func (env *apiEnv) register(t *testing.T, email string) uint {
	t.Helper()
	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/register", body: map[string]string{
		"email":    email,
		"password": password,
	}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d %v", email, resp.StatusCode, payload)
	}
	return uint(payload["id"].(float64))
}

// loginFrom runs login and, when a code is required, verification, returning
// the session token for the origin.
func (env *apiEnv) loginFrom(t *testing.T, email, origin string) string {
	t.Helper()
	body := map[string]string{"email": email, "password": password}

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", body: body, origin: origin})
	if resp.StatusCode == http.StatusAccepted {
		code := env.mailer.lastCode(t)
		verifyResp, verifyPayload := env.do(t, apiRequest{method: http.MethodPost, path: "/verify", origin: origin, body: map[string]string{
			"email": email,
			"code":  code,
		}})
		if verifyResp.StatusCode != http.StatusOK {
			t.Fatalf("verify: status %d %v", verifyResp.StatusCode, verifyPayload)
		}
		resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/login", body: body, origin: origin})
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s from %q: status %d %v", email, origin, resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}
