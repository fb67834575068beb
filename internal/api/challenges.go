package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/identity"
)

// ChallengeLister lists the challenge catalog.
type ChallengeLister interface {
	ListChallenges(ctx context.Context, includeHidden bool) ([]*domain.Challenge, error)
}

// ChallengeHandler serves team-facing challenge endpoints.
type ChallengeHandler struct {
	leases  LeaseService
	catalog ChallengeLister
}

// NewChallengeHandler creates a new challenge handler.
func NewChallengeHandler(leases LeaseService, catalog ChallengeLister) *ChallengeHandler {
	return &ChallengeHandler{leases: leases, catalog: catalog}
}

// RegisterRoutes registers challenge routes. requireTeam guards the
// container endpoints.
func (h *ChallengeHandler) RegisterRoutes(r chi.Router, requireTeam func(http.Handler) http.Handler) {
	r.Route("/api/challenges", func(r chi.Router) {
		r.Get("/", h.List)
		r.Group(func(r chi.Router) {
			r.Use(requireTeam)
			r.Post("/{id}/start", h.Start)
			r.Post("/{id}/stop", h.Stop)
		})
	})
}

// List returns the visible challenges.
func (h *ChallengeHandler) List(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.catalog.ListChallenges(r.Context(), false)
	if err != nil {
		slog.Error("Failed to list challenges", "error", err)
		Error(w, http.StatusInternalServerError, string(domain.KindStorage), "could not list challenges")
		return
	}
	if challenges == nil {
		challenges = []*domain.Challenge{}
	}
	JSON(w, http.StatusOK, challenges)
}

// Start returns the team's connection info for a challenge container,
// provisioning one if the team has no live lease.
func (h *ChallengeHandler) Start(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := idParam(r, "id")
	if !ok {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid challenge id")
		return
	}
	team := identity.TeamFromContext(r.Context())
	if team == nil {
		Error(w, http.StatusBadRequest, string(domain.KindNotInTeam), "you must be in a team")
		return
	}

	info, err := h.leases.GetOrCreate(r.Context(), *team, challengeID)
	if err != nil {
		slog.Warn("Start challenge failed", "error", err, "team_id", team.ID, "challenge_id", challengeID)
		DomainError(w, err, false)
		return
	}
	JSON(w, http.StatusOK, info)
}

// Stop releases the team's container for a challenge.
func (h *ChallengeHandler) Stop(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := idParam(r, "id")
	if !ok {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid challenge id")
		return
	}
	team := identity.TeamFromContext(r.Context())
	if team == nil {
		Error(w, http.StatusBadRequest, string(domain.KindNotInTeam), "you must be in a team")
		return
	}

	if err := h.leases.Release(r.Context(), team.ID, challengeID); err != nil {
		slog.Warn("Stop challenge failed", "error", err, "team_id", team.ID, "challenge_id", challengeID)
		DomainError(w, err, false)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
