// Package api provides HTTP handlers for the Atlas API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-ctf/atlas/internal/domain"
)

// LeaseService is the lease tracker as seen by the handlers.
type LeaseService interface {
	GetOrCreate(ctx context.Context, team domain.Team, challengeID int64) (*domain.ConnectionInfo, error)
	Release(ctx context.Context, teamID, challengeID int64) error
	ListAll(ctx context.Context) ([]domain.LeaseSummary, error)
	AdminRelease(ctx context.Context, containerID string) error
	ReleaseChallenge(ctx context.Context, challengeID int64) (int, error)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response with a machine-readable kind.
func Error(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, map[string]string{"error": kind, "message": message})
}

// StatusForKind maps an error kind to an HTTP status.
func StatusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindNotInTeam:
		return http.StatusBadRequest
	case domain.KindTeamBanned:
		return http.StatusForbidden
	case domain.KindChallengeNotFound, domain.KindNoActiveLease:
		return http.StatusNotFound
	case domain.KindRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindProvisioningTimeout:
		return http.StatusGatewayTimeout
	case domain.KindProvisioningFailed, domain.KindRuntimeStopFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DomainError writes err using its kind and caller-safe message. The wrapped
// cause is only included when detail is set.
func DomainError(w http.ResponseWriter, err error, detail bool) {
	kind := domain.KindOf(err)
	if kind == "" {
		slog.Error("Unclassified handler error", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error", domain.MessageOf(err))
		return
	}
	body := map[string]string{"error": string(kind), "message": domain.MessageOf(err)}
	var de *domain.Error
	if detail && errors.As(err, &de) && de.Err != nil {
		body["detail"] = de.Err.Error()
	}
	JSON(w, StatusForKind(kind), body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
