package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/api/dto"
	"ipguard/internal/auth"
	"ipguard/internal/database"
	"ipguard/internal/domain"
	"ipguard/internal/support"
	"ipguard/internal/trust"
)

func checkLogin(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(credentials.Email)
	if !auth.IsValidEmail(email) {
		writeError(w, "Invalid email format", http.StatusBadRequest)
		return
	}
	if len(credentials.Password) < 8 {
		writeError(w, "Password must be at least 8 characters long", http.StatusBadRequest)
		return
	}

	hashedPassword, err := support.HashPassword(credentials.Password)
	if err != nil {
		writeError(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	user := domain.User{Email: email, Password: hashedPassword}
	if err := s.deps.Users.Create(r.Context(), &user); err != nil {
		if errors.Is(err, database.ErrEmailTaken) {
			writeError(w, "Email already in use", http.StatusConflict)
			return
		}
		log.Error("Failed to create user", "error", err)
		writeError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	log.Info("User registered", "user_id", user.ID, "role", user.Role)
	// No session here: the first login still has to verify its origin.
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "role": user.Role})
}

func (s *Server) loginUser(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	observed, _ := support.PublicIPFromRequest(r, "")
	decision, err := s.deps.Engine.Login(r.Context(), trust.LoginAttempt{
		Email:      req.Email,
		Password:   req.Password,
		ClaimedIP:  req.PublicIP,
		ObservedIP: observed,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeTrustError(w, err)
		return
	}

	if decision.Outcome == trust.OutcomeRequiresVerification {
		writeJSON(w, http.StatusAccepted, dto.LoginResponse{RequiresVerification: true})
		return
	}

	auth.SetSessionCookie(w, decision.Token, s.deps.SecureCookies)
	writeJSON(w, http.StatusOK, dto.LoginResponse{
		Token:               decision.Token,
		Role:                decision.User.Role,
		PollIntervalSeconds: pollSeconds(decision),
	})
}

func pollSeconds(decision *trust.LoginDecision) int {
	seconds := int(decision.PollInterval.Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.deps.Users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		log.Error("Failed to load user for verification", "error", err)
		writeError(w, "TransientFailure", http.StatusServiceUnavailable)
		return
	}
	if user == nil {
		writeError(w, "InvalidCode", http.StatusBadRequest)
		return
	}

	ip, public := support.PublicIPFromRequest(r, req.PublicIP)
	if !public {
		ip = ""
	}

	if _, err := s.deps.Verifier.Verify(r.Context(), user.ID, req.Code, ip); err != nil {
		writeTrustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	userID, userErr := auth.GetUserIDFromRequest(r)
	if userErr != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req dto.ChangePassword
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, "Password must be at least 8 characters long", http.StatusBadRequest)
		return
	}

	user, err := s.deps.Users.GetByID(r.Context(), userID)
	if err != nil || user == nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !support.CheckPasswordHash(req.OldPassword, user.Password) {
		writeError(w, "Invalid old password", http.StatusUnauthorized)
		return
	}

	hashed, err := support.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}
	if err := s.deps.Users.ChangePassword(r.Context(), userID, hashed); err != nil {
		log.Error("Failed to change password", "user_id", userID, "error", err)
		writeError(w, "Failed to change password", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}
