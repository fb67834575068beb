package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-ctf/atlas/internal/catalog"
	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/store"
)

// MaxImageArchiveBytes bounds uploaded image archives.
const MaxImageArchiveBytes = 4 << 30

// AdminStore is the persistence the admin endpoints need.
type AdminStore interface {
	CreateChallenge(ctx context.Context, c *domain.Challenge) error
	GetChallenge(ctx context.Context, id int64) (*domain.Challenge, error)
	UpdateChallenge(ctx context.Context, c *domain.Challenge) error
	DeleteChallenge(ctx context.Context, id int64) error
	ListChallenges(ctx context.Context, includeHidden bool) ([]*domain.Challenge, error)
	CreateTeam(ctx context.Context, name string) (*domain.Team, error)
	SetTeamBanned(ctx context.Context, id int64, banned bool) error
}

// ImageStore imports and lists runtime images.
type ImageStore interface {
	LoadImage(ctx context.Context, archive io.Reader) (string, error)
	ListImages(ctx context.Context) ([]container.Image, error)
}

// AdminHandler serves administrator endpoints.
type AdminHandler struct {
	leases LeaseService
	store  AdminStore
	images ImageStore
	logs   http.Handler
}

// NewAdminHandler creates a new admin handler. logs serves the container log
// WebSocket and reads the containerID URL parameter.
func NewAdminHandler(leases LeaseService, st AdminStore, images ImageStore, logs http.Handler) *AdminHandler {
	return &AdminHandler{leases: leases, store: st, images: images, logs: logs}
}

// RegisterRoutes registers admin routes under /api/admin. requireAdmin
// guards every route.
func (h *AdminHandler) RegisterRoutes(r chi.Router, requireAdmin func(http.Handler) http.Handler) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireAdmin)

		r.Get("/containers", h.ListContainers)
		r.Post("/containers/{containerID}/stop", h.StopContainer)
		r.Get("/containers/{containerID}/logs", h.logs.ServeHTTP)

		r.Get("/images", h.ListImages)
		r.Post("/images", h.LoadImage)

		r.Get("/challenges", h.ListChallenges)
		r.Post("/challenges", h.CreateChallenge)
		r.Put("/challenges/{id}", h.UpdateChallenge)
		r.Delete("/challenges/{id}", h.DeleteChallenge)

		r.Post("/teams", h.CreateTeam)
		r.Post("/teams/{id}/ban", h.BanTeam)
	})
}

// ListContainers returns every lease, expired ones included.
func (h *AdminHandler) ListContainers(w http.ResponseWriter, r *http.Request) {
	leases, err := h.leases.ListAll(r.Context())
	if err != nil {
		DomainError(w, err, true)
		return
	}
	if leases == nil {
		leases = []domain.LeaseSummary{}
	}
	JSON(w, http.StatusOK, leases)
}

// StopContainer force-releases a lease by container id.
func (h *AdminHandler) StopContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	if containerID == "" {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "container id is required")
		return
	}
	if err := h.leases.AdminRelease(r.Context(), containerID); err != nil {
		slog.Warn("Admin stop failed", "error", err, "container_id", containerID)
		DomainError(w, err, true)
		return
	}
	slog.Info("Admin stopped container", "container_id", containerID)
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// LoadImage imports a raw image tar archive from the request body.
func (h *AdminHandler) LoadImage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, MaxImageArchiveBytes)
	ref, err := h.images.LoadImage(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, string(domain.KindValidation), "image archive too large")
		case errors.Is(err, container.ErrImageInvalid), errors.Is(err, container.ErrRejected):
			Error(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		case errors.Is(err, container.ErrUnavailable):
			Error(w, http.StatusServiceUnavailable, string(domain.KindRuntimeUnavailable), "container runtime unavailable")
		default:
			slog.Error("Image load failed", "error", err)
			Error(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	slog.Info("Image loaded", "image", ref)
	JSON(w, http.StatusCreated, map[string]string{"image": ref})
}

// ListImages returns the images present in the runtime.
func (h *AdminHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.images.ListImages(r.Context())
	if err != nil {
		if errors.Is(err, container.ErrUnavailable) {
			Error(w, http.StatusServiceUnavailable, string(domain.KindRuntimeUnavailable), "container runtime unavailable")
			return
		}
		slog.Error("Failed to list images", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if images == nil {
		images = []container.Image{}
	}
	JSON(w, http.StatusOK, images)
}

// ListChallenges returns the full catalog, hidden challenges included.
func (h *AdminHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.store.ListChallenges(r.Context(), true)
	if err != nil {
		slog.Error("Failed to list challenges", "error", err)
		Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
		return
	}
	if challenges == nil {
		challenges = []*domain.Challenge{}
	}
	JSON(w, http.StatusOK, challenges)
}

type createChallengeRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Image        string `json:"docker_image"`
	Port         int    `json:"port"`
	SSHUser      string `json:"ssh_user"`
	LeaseSeconds int64  `json:"lease_seconds"`
	MaxPoints    int    `json:"max_points"`
	Hidden       bool   `json:"hidden"`
}

func (req createChallengeRequest) challenge() (*domain.Challenge, error) {
	entry := catalog.Entry{
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		Image:         req.Image,
		Port:          req.Port,
		SSHUser:       req.SSHUser,
		LeaseDuration: time.Duration(req.LeaseSeconds) * time.Second,
		MaxPoints:     req.MaxPoints,
		Hidden:        req.Hidden,
	}
	return entry.Challenge()
}

// CreateChallenge adds a challenge to the catalog.
func (h *AdminHandler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}
	c, err := req.challenge()
	if err != nil {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}

	if err := h.store.CreateChallenge(r.Context(), c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			Error(w, http.StatusConflict, string(domain.KindValidation), "a challenge with this title already exists")
			return
		}
		slog.Error("Failed to create challenge", "error", err, "title", c.Title)
		Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
		return
	}
	slog.Info("Challenge created", "challenge_id", c.ID, "title", c.Title, "image", c.Image)
	JSON(w, http.StatusCreated, c)
}

// UpdateChallenge replaces a challenge's definition. Running containers keep
// the image and port they were started with until their lease ends.
func (h *AdminHandler) UpdateChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid challenge id")
		return
	}
	var req createChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}
	c, err := req.challenge()
	if err != nil {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	c.ID = id

	if err := h.store.UpdateChallenge(r.Context(), c); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			Error(w, http.StatusNotFound, string(domain.KindChallengeNotFound), "challenge not found")
		case errors.Is(err, store.ErrDuplicate):
			Error(w, http.StatusConflict, string(domain.KindValidation), "a challenge with this title already exists")
		default:
			slog.Error("Failed to update challenge", "error", err, "challenge_id", id)
			Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
		}
		return
	}
	slog.Info("Challenge updated", "challenge_id", c.ID, "title", c.Title, "image", c.Image)
	JSON(w, http.StatusOK, c)
}

// DeleteChallenge removes a challenge. It is hidden first so no new leases
// start, then every lease is released before the row goes.
func (h *AdminHandler) DeleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid challenge id")
		return
	}
	ctx := r.Context()

	c, err := h.store.GetChallenge(ctx, id)
	if err != nil {
		h.challengeStoreError(w, err, id)
		return
	}
	if !c.Hidden {
		c.Hidden = true
		if err := h.store.UpdateChallenge(ctx, c); err != nil {
			h.challengeStoreError(w, err, id)
			return
		}
	}

	released, err := h.leases.ReleaseChallenge(ctx, id)
	if err != nil {
		slog.Warn("Failed to release challenge leases", "error", err, "challenge_id", id, "released", released)
		DomainError(w, err, true)
		return
	}

	if err := h.store.DeleteChallenge(ctx, id); err != nil {
		if errors.Is(err, store.ErrInUse) {
			// A provision that was already past the catalog lookup won.
			Error(w, http.StatusConflict, string(domain.KindValidation), "challenge still has running containers, retry the delete")
			return
		}
		h.challengeStoreError(w, err, id)
		return
	}
	slog.Info("Challenge deleted", "challenge_id", id, "released", released)
	JSON(w, http.StatusOK, map[string]interface{}{"id": id, "released": released})
}

func (h *AdminHandler) challengeStoreError(w http.ResponseWriter, err error, id int64) {
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, string(domain.KindChallengeNotFound), "challenge not found")
		return
	}
	slog.Error("Challenge store error", "error", err, "challenge_id", id)
	Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
}

// CreateTeam registers a team.
func (h *AdminHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "team name is required")
		return
	}

	team, err := h.store.CreateTeam(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			Error(w, http.StatusConflict, string(domain.KindValidation), "a team with this name already exists")
			return
		}
		slog.Error("Failed to create team", "error", err, "name", name)
		Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
		return
	}
	slog.Info("Team created", "team_id", team.ID, "name", team.Name)
	JSON(w, http.StatusCreated, team)
}

// BanTeam sets or clears a team's ban flag. An empty body bans the team.
func (h *AdminHandler) BanTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid team id")
		return
	}
	req := struct {
		Banned *bool `json:"banned"`
	}{}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}
	banned := req.Banned == nil || *req.Banned

	if err := h.store.SetTeamBanned(r.Context(), id, banned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, string(domain.KindNotInTeam), "team not found")
			return
		}
		slog.Error("Failed to update team ban", "error", err, "team_id", id)
		Error(w, http.StatusInternalServerError, string(domain.KindStorage), err.Error())
		return
	}
	slog.Info("Team ban updated", "team_id", id, "banned", banned)
	JSON(w, http.StatusOK, map[string]interface{}{"id": id, "banned": banned})
}
