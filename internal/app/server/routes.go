package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/auth"
	"ipguard/internal/domain"
	gqlschema "ipguard/internal/graphql"
	"ipguard/internal/trust"
)

type loginEngine interface {
	Login(ctx context.Context, attempt trust.LoginAttempt) (*trust.LoginDecision, error)
}

type codeVerifier interface {
	Verify(ctx context.Context, userID uint, code, ip string) (*domain.VerificationChallenge, error)
}

type userDirectory interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uint) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	ChangePassword(ctx context.Context, userID uint, hashedPassword string) error
}

type originTracker interface {
	Status(ctx context.Context, userID uint, claimedIP, observedIP string) (*trust.StatusReport, error)
	Track(ctx context.Context, userID uint, claimedIP, observedIP, userAgent string) (*trust.StatusReport, error)
	BanChecker
}

type trustAdmin interface {
	SetFlags(ctx context.Context, targetUserID uint, recordID uint64, patch trust.AdminPatch) (*domain.TrustRecord, error)
	SetFlagsByIP(ctx context.Context, targetUserID uint, ip string, patch trust.AdminPatch) (*domain.TrustRecord, error)
	List(ctx context.Context, userID uint) ([]domain.TrustRecord, error)
	Reset(ctx context.Context) (int64, error)
}

type overviewSource interface {
	CountByStatus(ctx context.Context) (map[domain.TrustStatus]int64, error)
}

// Deps are the services the HTTP API is built on.
type Deps struct {
	Engine   loginEngine
	Verifier codeVerifier
	Users    userDirectory
	Tracker  originTracker
	Admin    trustAdmin
	Overview overviewSource

	// ActiveInstances counts live API instances for the admin overview.
	ActiveInstances func(ctx context.Context) (int, error)

	// RefreshGeoLite, when set, runs after an admin saves a new GeoLite license key.
	RefreshGeoLite func(ctx context.Context, licenseKey string) error

	// Attempts throttles /login and /verify per source address. Nil disables it.
	Attempts *AttemptLimiter

	// SecureCookies marks the session cookie Secure; set it behind TLS.
	SecureCookies bool
}

type Server struct {
	deps    Deps
	graphql http.Handler
}

func New(deps Deps) (*Server, error) {
	gql, err := newGraphQLHandler(gqlschema.Resolvers{
		Users:   deps.Users,
		Origins: deps.Admin,
		Status:  deps.Tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("build graphql schema: %w", err)
	}
	return &Server{deps: deps, graphql: gql}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorMessage(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the full route table. Every authenticated route passes the
// edge gate after the token check.
func (s *Server) Handler() http.Handler {
	gate := EdgeGate(s.deps.Tracker)
	protected := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(gate(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.IsAdmin(gate(h))
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /register", s.registerUser)
	router.HandleFunc("POST /login", s.deps.Attempts.middleware(s.loginUser))
	router.HandleFunc("POST /verify", s.deps.Attempts.middleware(s.verifyCode))
	router.HandleFunc("GET /not-allowed", notAllowed)
	router.HandleFunc("GET /version", getVersion)

	router.Handle("GET /checkLogin", protected(checkLogin))
	router.Handle("POST /changePassword", protected(s.changePassword))
	router.Handle("POST /trust/status", protected(s.trustStatus))
	router.Handle("POST /trust/track", protected(s.trustTrack))
	router.Handle("POST /graphql", protected(s.graphql.ServeHTTP))

	router.Handle("GET /admin/users/{userId}/trust", admin(s.listUserTrust))
	router.Handle("PATCH /admin/users/{userId}/trust", admin(s.patchUserTrust))
	router.Handle("POST /admin/trust/reset", admin(s.resetTrust))
	router.Handle("GET /admin/overview", admin(s.getOverview))
	router.Handle("GET /admin/settings", admin(getGlobalSettings))
	router.Handle("POST /admin/settings", admin(s.saveSettings))

	log.Debug("Routes opened")
	return enableCORS(router)
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipguard backend on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}

// writeTrustError maps engine errors onto responses. Credential and origin
// refusals share one message so neither reveals which check failed.
func writeTrustError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trust.ErrInvalidCredentials):
		writeErrorMessage(w, "InvalidCredentials", loginRefusedMessage, http.StatusUnauthorized)
	case errors.Is(err, trust.ErrOriginBanned):
		writeErrorMessage(w, "OriginBanned", loginRefusedMessage, http.StatusForbidden)
	case errors.Is(err, trust.ErrInvalidCode):
		writeError(w, "InvalidCode", http.StatusBadRequest)
	case errors.Is(err, trust.ErrExpiredCode):
		writeError(w, "ExpiredCode", http.StatusBadRequest)
	case errors.Is(err, trust.ErrRecordNotFound):
		writeError(w, "NotFound", http.StatusNotFound)
	case errors.Is(err, trust.ErrInvalidAddress):
		writeError(w, "InvalidAddress", http.StatusBadRequest)
	case errors.Is(err, trust.ErrDelivery):
		log.Error("Verification delivery failed", "error", err)
		writeError(w, "DeliveryFailure", http.StatusServiceUnavailable)
	case errors.Is(err, trust.ErrTransientStore):
		log.Error("Trust store unavailable", "error", err)
		writeError(w, "TransientFailure", http.StatusServiceUnavailable)
	default:
		log.Error("Unhandled trust error", "error", err)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

const loginRefusedMessage = "Login failed"
