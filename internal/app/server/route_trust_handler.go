package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/api/dto"
	"ipguard/internal/auth"
	"ipguard/internal/domain"
	"ipguard/internal/support"
	"ipguard/internal/trust"
)

func (s *Server) trustStatus(w http.ResponseWriter, r *http.Request) {
	userID, userErr := auth.GetUserIDFromRequest(r)
	if userErr != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req dto.TrustStatusRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	observed, _ := support.PublicIPFromRequest(r, "")
	report, err := s.deps.Tracker.Status(r.Context(), userID, req.PublicIP, observed)
	if err != nil {
		writeTrustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) trustTrack(w http.ResponseWriter, r *http.Request) {
	userID, userErr := auth.GetUserIDFromRequest(r)
	if userErr != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req dto.TrackRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	observed, _ := support.PublicIPFromRequest(r, "")
	report, err := s.deps.Tracker.Track(r.Context(), userID, req.IPAddress, observed, userAgent)
	if errors.Is(err, trust.ErrOriginBanned) {
		auth.ClearSessionCookie(w)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":    "OriginBanned",
			"ipStatus": string(domain.TrustStatusBanned),
			"redirect": notAllowedPath,
		})
		return
	}
	if err != nil {
		writeTrustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.TrackResponse{IPStatus: string(report.Status)})
}

func (s *Server) listUserTrust(w http.ResponseWriter, r *http.Request) {
	targetID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	records, err := s.deps.Admin.List(r.Context(), targetID)
	if err != nil {
		writeTrustError(w, err)
		return
	}

	out := make([]dto.TrustRecord, 0, len(records))
	for i := range records {
		out = append(out, toTrustRecordDTO(&records[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) patchUserTrust(w http.ResponseWriter, r *http.Request) {
	targetID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req dto.TrustFlagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	patch := trust.AdminPatch{IsBanned: req.IsBanned, IsApproved: req.IsApproved}

	var (
		record *domain.TrustRecord
		err    error
	)
	switch {
	case req.RecordID != 0:
		record, err = s.deps.Admin.SetFlags(r.Context(), targetID, req.RecordID, patch)
	case req.IPAddress != "":
		record, err = s.deps.Admin.SetFlagsByIP(r.Context(), targetID, req.IPAddress, patch)
	default:
		writeError(w, "recordId or ipAddress is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeTrustError(w, err)
		return
	}

	if adminID, err := auth.GetUserIDFromRequest(r); err == nil {
		log.Info("Admin updated trust record", "admin_id", adminID, "user_id", targetID, "record_id", record.ID)
	}
	writeJSON(w, http.StatusOK, toTrustRecordDTO(record))
}

func (s *Server) resetTrust(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Admin.Reset(r.Context())
	if err != nil {
		writeTrustError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.TrustResetResponse{Removed: removed})
}

func pathUserID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("userId")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		writeError(w, "Invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func toTrustRecordDTO(record *domain.TrustRecord) dto.TrustRecord {
	return dto.TrustRecord{
		ID:         record.ID,
		IPAddress:  record.IPAddress,
		Status:     string(record.Status()),
		IsApproved: record.IsApproved,
		IsBanned:   record.IsBanned,
		Location:   record.Location(),
		Country:    record.Country,
		Region:     record.Region,
		City:       record.City,
		Latitude:   record.Latitude,
		Longitude:  record.Longitude,
		ISP:        record.ISP,
		UserAgent:  record.UserAgent,
		LastSeenAt: record.LastSeenAt.UTC().Format(time.RFC3339),
		CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
	}
}
