package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ipguard/internal/auth"
	"ipguard/internal/client"
	"ipguard/internal/session"
)

func TestLoginVerifyLoginFlow(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "alice@example.com")
	body := map[string]string{"email": "alice@example.com", "password": password}

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", body: body, origin: homeIP})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first login status = %d, want 202", resp.StatusCode)
	}
	if payload["requiresVerification"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := payload["token"]; ok {
		t.Fatal("token must not be returned before verification")
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/verify", origin: homeIP, body: map[string]string{
		"email": "alice@example.com",
		"code":  env.mailer.lastCode(t),
	}})
	if resp.StatusCode != http.StatusOK || payload["success"] != true {
		t.Fatalf("verify: status %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/login", body: body, origin: homeIP})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second login status = %d %v", resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["pollIntervalSeconds"] != float64(2) {
		t.Fatalf("payload = %v", payload)
	}

	var cookieSet bool
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.Value == token && c.HttpOnly {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatal("session cookie not set")
	}

	resp, _ = env.do(t, apiRequest{method: http.MethodGet, path: "/checkLogin", token: token, origin: homeIP})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkLogin status = %d", resp.StatusCode)
	}
}

func TestLoginRefusalsShareMessage(t *testing.T) {
	env := newAPIEnv(t)
	userID := env.register(t, "alice@example.com")
	if err := env.trust.SetBanned(context.Background(), userID, homeIP, true); err != nil {
		t.Fatalf("ban: %v", err)
	}

	wrong, wrongPayload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", origin: travelIP, body: map[string]string{
		"email": "alice@example.com", "password": "not-the-password",
	}})
	banned, bannedPayload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", origin: homeIP, body: map[string]string{
		"email": "alice@example.com", "password": password,
	}})

	if wrong.StatusCode != http.StatusUnauthorized || wrongPayload["error"] != "InvalidCredentials" {
		t.Fatalf("wrong password: %d %v", wrong.StatusCode, wrongPayload)
	}
	if banned.StatusCode != http.StatusForbidden || bannedPayload["error"] != "OriginBanned" {
		t.Fatalf("banned origin: %d %v", banned.StatusCode, bannedPayload)
	}
	if wrongPayload["message"] != bannedPayload["message"] {
		t.Fatalf("messages differ: %q vs %q", wrongPayload["message"], bannedPayload["message"])
	}
}

func TestLoginFromPrivateNetworkSkipsVerification(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "alice@example.com")

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", body: map[string]string{
		"email": "alice@example.com", "password": password,
	}})
	if resp.StatusCode != http.StatusOK || payload["token"] == nil {
		t.Fatalf("private login: %d %v", resp.StatusCode, payload)
	}
}

func TestLoginDeliveryFailureIsRetryable(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "alice@example.com")
	env.mailer.err = errors.New("smtp unavailable")

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/login", origin: homeIP, body: map[string]string{
		"email": "alice@example.com", "password": password,
	}})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d %v, want 503", resp.StatusCode, payload)
	}
}

func TestVerifyErrors(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "alice@example.com")
	env.do(t, apiRequest{method: http.MethodPost, path: "/login", origin: homeIP, body: map[string]string{
		"email": "alice@example.com", "password": password,
	}})
	code := env.mailer.lastCode(t)

	cases := []struct {
		name  string
		email string
		code  string
	}{
		{"malformed", "alice@example.com", "12345"},
		{"unknown email", "nobody@example.com", code},
	}
	for _, tc := range cases {
		resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/verify", origin: homeIP, body: map[string]string{
			"email": tc.email, "code": tc.code,
		}})
		if resp.StatusCode != http.StatusBadRequest || payload["error"] != "InvalidCode" {
			t.Fatalf("%s: %d %v", tc.name, resp.StatusCode, payload)
		}
	}

	env.clock.Advance(11 * time.Minute)
	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/verify", origin: homeIP, body: map[string]string{
		"email": "alice@example.com", "code": code,
	}})
	if resp.StatusCode != http.StatusBadRequest || payload["error"] != "ExpiredCode" {
		t.Fatalf("expired: %d %v", resp.StatusCode, payload)
	}
}

func TestRegister(t *testing.T) {
	env := newAPIEnv(t)

	first := env.register(t, "admin@example.com")
	second := env.register(t, "alice@example.com")

	admin, _ := env.users.GetByID(context.Background(), first)
	user, _ := env.users.GetByID(context.Background(), second)
	if !admin.IsAdmin() || user.IsAdmin() {
		t.Fatalf("roles = %q, %q", admin.Role, user.Role)
	}

	resp, _ := env.do(t, apiRequest{method: http.MethodPost, path: "/register", body: map[string]string{
		"email": "ALICE@example.com", "password": password,
	}})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, apiRequest{method: http.MethodPost, path: "/register", body: map[string]string{
		"email": "bob@example.com", "password": "short",
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short password status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminBanTerminatesSessionAtEdge(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "admin@example.com")
	aliceID := env.register(t, "alice@example.com")

	adminToken := env.loginFrom(t, "admin@example.com", "")
	aliceToken := env.loginFrom(t, "alice@example.com", homeIP)

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/trust/status", token: aliceToken, origin: homeIP, body: map[string]string{
		"publicIp": homeIP,
	}})
	if resp.StatusCode != http.StatusOK || payload["ipStatus"] != "approved" {
		t.Fatalf("status before ban: %d %v", resp.StatusCode, payload)
	}

	records, _ := env.trust.ListByUser(context.Background(), aliceID)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	resp, payload = env.do(t, apiRequest{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/admin/users/%d/trust", aliceID),
		token:  adminToken,
		body:   map[string]any{"recordId": records[0].ID, "isBanned": true},
	})
	if resp.StatusCode != http.StatusOK || payload["ipStatus"] != "banned" {
		t.Fatalf("ban: %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodGet, path: "/checkLogin", token: aliceToken, origin: homeIP})
	if resp.StatusCode != http.StatusForbidden || payload["error"] != "OriginBanned" || payload["redirect"] != "/not-allowed" {
		t.Fatalf("edge gate: %d %v", resp.StatusCode, payload)
	}
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("edge gate must clear the session cookie")
	}

	resp, _ = env.do(t, apiRequest{method: http.MethodGet, path: "/checkLogin", token: aliceToken, origin: homeIP, accept: "text/html"})
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/not-allowed" {
		t.Fatalf("html client: %d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = env.do(t, apiRequest{method: http.MethodGet, path: "/checkLogin", token: aliceToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("private origin must pass the edge gate, status = %d", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "admin@example.com")
	aliceID := env.register(t, "alice@example.com")
	bobID := env.register(t, "bob@example.com")

	adminToken := env.loginFrom(t, "admin@example.com", "")
	aliceToken := env.loginFrom(t, "alice@example.com", homeIP)

	resp, _ := env.do(t, apiRequest{method: http.MethodGet, path: fmt.Sprintf("/admin/users/%d/trust", aliceID), token: aliceToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}

	records, _ := env.trust.ListByUser(context.Background(), aliceID)
	resp, payload := env.do(t, apiRequest{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/admin/users/%d/trust", bobID),
		token:  adminToken,
		body:   map[string]any{"recordId": records[0].ID, "isBanned": true},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user patch: %d %v, want 404", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/admin/users/%d/trust", bobID),
		token:  adminToken,
		body:   map[string]any{"ipAddress": travelIP, "isBanned": true},
	})
	if resp.StatusCode != http.StatusOK || payload["ipAddress"] != travelIP {
		t.Fatalf("pre-emptive ban: %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodGet, path: "/admin/overview", token: adminToken})
	counts, _ := payload["trustRecords"].(map[string]any)
	if resp.StatusCode != http.StatusOK || counts["approved"] != float64(1) || counts["banned"] != float64(1) {
		t.Fatalf("overview: %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/admin/trust/reset", token: adminToken})
	if resp.StatusCode != http.StatusOK || payload["removed"] != float64(2) {
		t.Fatalf("reset: %d %v", resp.StatusCode, payload)
	}

	resp, _ = env.do(t, apiRequest{method: http.MethodPost, path: "/login", origin: homeIP, body: map[string]string{
		"email": "alice@example.com", "password": password,
	}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("login after reset status = %d, want 202", resp.StatusCode)
	}
}

func TestTrackReportsBan(t *testing.T) {
	env := newAPIEnv(t)
	aliceID := env.register(t, "alice@example.com")
	token := env.loginFrom(t, "alice@example.com", "")

	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/trust/track", token: token, body: map[string]string{
		"ipAddress": homeIP, "userAgent": "session/1.0",
	}})
	if resp.StatusCode != http.StatusOK || payload["ipStatus"] != "not_verified" {
		t.Fatalf("track: %d %v", resp.StatusCode, payload)
	}

	if err := env.trust.SetBanned(context.Background(), aliceID, homeIP, true); err != nil {
		t.Fatalf("ban: %v", err)
	}
	resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/trust/track", token: token, body: map[string]string{
		"ipAddress": homeIP,
	}})
	if resp.StatusCode != http.StatusForbidden || payload["ipStatus"] != "banned" {
		t.Fatalf("banned track: %d %v", resp.StatusCode, payload)
	}
}

func TestGraphQLViewerOrigins(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "alice@example.com")
	token := env.loginFrom(t, "alice@example.com", homeIP)

	query := fmt.Sprintf(`{ viewer { email origins { ipAddress status } originStatus(ip: %q) { status private } } }`, travelIP)
	resp, payload := env.do(t, apiRequest{method: http.MethodPost, path: "/graphql", token: token, origin: homeIP, body: map[string]string{
		"query": query,
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("graphql status = %d", resp.StatusCode)
	}

	data, _ := payload["data"].(map[string]any)
	viewer, _ := data["viewer"].(map[string]any)
	if viewer["email"] != "alice@example.com" {
		t.Fatalf("viewer = %v (payload %v)", viewer, payload)
	}
	origins, _ := viewer["origins"].([]any)
	if len(origins) != 1 {
		t.Fatalf("origins = %v", origins)
	}
	origin := origins[0].(map[string]any)
	if origin["ipAddress"] != homeIP || origin["status"] != "approved" {
		t.Fatalf("origin = %v", origin)
	}
	status := viewer["originStatus"].(map[string]any)
	if status["status"] != "not_verified" || status["private"] != false {
		t.Fatalf("originStatus = %v", status)
	}
}

type stubChecker struct {
	banned bool
	err    error
}

func (s stubChecker) IsBanned(ctx context.Context, userID uint, ip string) (bool, error) {
	return s.banned, s.err
}

func TestEdgeGateStoreFailureDoesNotPassThrough(t *testing.T) {
	t.Setenv("JWT_SECRET", "edge-gate-secret")
	token, err := auth.GenerateJWT(7, "user", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	reached := false
	handler := EdgeGate(stubChecker{err: errors.New("db down")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req, _ := http.NewRequest(http.MethodGet, "/checkLogin", nil)
	req.RemoteAddr = homeIP + ":4711"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable || reached {
		t.Fatalf("status = %d reached = %v", rec.Code, reached)
	}
}

func TestAdminBanForcesClientLogout(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "admin@example.com")
	aliceID := env.register(t, "alice@example.com")
	adminToken := env.loginFrom(t, "admin@example.com", "")

	api := client.New(client.Config{BaseURL: env.server.URL})
	result, err := api.Login(context.Background(), "alice@example.com", password, homeIP)
	if err != nil || !result.RequiresVerification {
		t.Fatalf("login: %+v %v", result, err)
	}
	if err := api.Verify(context.Background(), "alice@example.com", env.mailer.lastCode(t), homeIP); err != nil {
		t.Fatalf("verify: %v", err)
	}
	result, err = api.Login(context.Background(), "alice@example.com", password, homeIP)
	if err != nil || result.Token == "" {
		t.Fatalf("login after verify: %+v %v", result, err)
	}

	interval := 20 * time.Millisecond
	outcomes := make(chan session.Outcome, 1)
	sess, err := session.Start(context.Background(), session.Options{
		Interval:       interval,
		Source:         api,
		IPResolver:     staticIP(homeIP),
		OnForcedLogout: func(o session.Outcome) { outcomes <- o },
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	defer sess.Stop()

	time.Sleep(3 * interval)
	select {
	case o := <-outcomes:
		t.Fatalf("approved origin was logged out: %s", o)
	default:
	}

	resp, payload := env.do(t, apiRequest{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/admin/users/%d/trust", aliceID),
		token:  adminToken,
		body:   map[string]any{"ipAddress": homeIP, "isBanned": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ban: %d %v", resp.StatusCode, payload)
	}

	select {
	case o := <-outcomes:
		if o != session.OutcomeBanned {
			t.Fatalf("outcome = %s, want banned", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client was not logged out after the ban")
	}
}

func TestAdminRevokeIsEnforcedByPollerNotEdgeGate(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "admin@example.com")
	aliceID := env.register(t, "alice@example.com")
	adminToken := env.loginFrom(t, "admin@example.com", "")
	aliceToken := env.loginFrom(t, "alice@example.com", homeIP)

	api := client.New(client.Config{BaseURL: env.server.URL})
	result, err := api.Login(context.Background(), "alice@example.com", password, homeIP)
	if err != nil || result.Token == "" {
		t.Fatalf("login from approved origin: %+v %v", result, err)
	}

	interval := 20 * time.Millisecond
	outcomes := make(chan session.Outcome, 1)
	sess, err := session.Start(context.Background(), session.Options{
		Interval:       interval,
		Source:         api,
		IPResolver:     staticIP(homeIP),
		OnForcedLogout: func(o session.Outcome) { outcomes <- o },
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	defer sess.Stop()

	records, _ := env.trust.ListByUser(context.Background(), aliceID)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	resp, payload := env.do(t, apiRequest{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/admin/users/%d/trust", aliceID),
		token:  adminToken,
		body:   map[string]any{"recordId": records[0].ID, "isApproved": false},
	})
	if resp.StatusCode != http.StatusOK || payload["ipStatus"] != "not_verified" {
		t.Fatalf("revoke: %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodGet, path: "/checkLogin", token: aliceToken, origin: homeIP})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edge gate enforced a revoke: %d %v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, apiRequest{method: http.MethodPost, path: "/trust/status", token: aliceToken, origin: homeIP, body: map[string]string{
		"publicIp": homeIP,
	}})
	if resp.StatusCode != http.StatusOK || payload["ipStatus"] != "not_verified" || payload["isBanned"] != false {
		t.Fatalf("status after revoke: %d %v", resp.StatusCode, payload)
	}

	select {
	case o := <-outcomes:
		if o != session.OutcomeReverify {
			t.Fatalf("outcome = %s, want reverify", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client was not logged out after the revoke")
	}
}

type recordingChecker struct {
	ips chan string
}

func (c recordingChecker) IsBanned(ctx context.Context, userID uint, ip string) (bool, error) {
	c.ips <- ip
	return false, nil
}

func TestEdgeGateIgnoresForwardedForFromDirectClient(t *testing.T) {
	t.Setenv("JWT_SECRET", "edge-gate-secret")
	token, err := auth.GenerateJWT(7, "user", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	checker := recordingChecker{ips: make(chan string, 1)}
	handler := EdgeGate(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req, _ := http.NewRequest(http.MethodGet, "/checkLogin", nil)
	req.RemoteAddr = homeIP + ":4711"
	req.Header.Set("X-Forwarded-For", travelIP)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	select {
	case ip := <-checker.ips:
		if ip != homeIP {
			t.Fatalf("ban checked for %q, want the socket peer %q", ip, homeIP)
		}
	default:
		t.Fatal("edge gate did not check the origin")
	}
}

type staticIP string

func (s staticIP) PublicIP(ctx context.Context) (string, error) {
	return string(s), nil
}
