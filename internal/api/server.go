package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"flashly/internal/auth"
	"flashly/internal/logging"
	"flashly/internal/models"
	"flashly/internal/services"
)

const (
	timeLayout     = time.RFC3339
	maxJSONBody    = 1 << 20
	defaultMaxFile = 32 << 20
)

// Services groups the collaborators the HTTP layer delegates to.
type Services struct {
	Users      *services.UserService
	StudySets  *services.StudySetService
	Flashcards *services.FlashcardService
	Ingestion  *services.IngestionService
	Tokens     *auth.TokenManager
	OAuth      *auth.OAuthManager
}

// Options tunes request handling.
type Options struct {
	FrontendURL       string
	MaxUploadBytes    int64
	GenerationTimeout time.Duration
}

type Server struct {
	router     chi.Router
	users      *services.UserService
	sets       *services.StudySetService
	flashcards *services.FlashcardService
	ingestion  *services.IngestionService
	tokens     *auth.TokenManager
	oauth      *auth.OAuthManager
	opts       Options
	log        *logging.Logger
}

func NewServer(svc Services, opts Options, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxFile
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 5 * time.Minute
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")

	s := &Server{
		router:     chi.NewRouter(),
		users:      svc.Users,
		sets:       svc.StudySets,
		flashcards: svc.Flashcards,
		ingestion:  svc.Ingestion,
		tokens:     svc.Tokens,
		oauth:      svc.OAuth,
		opts:       opts,
		log:        log,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.With(s.tokens.Middleware).Get("/me", s.handleMe)
	})

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize/{provider}", s.handleOAuthAuthorize)
		r.Get("/callback/{provider}", s.handleOAuthCallback)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.Middleware)

		r.Route("/studysets", func(r chi.Router) {
			r.Get("/", s.handleListStudySets)
			r.Post("/", s.handleCreateStudySet)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetStudySet)
				r.Put("/", s.handleUpdateStudySet)
				r.Delete("/", s.handleDeleteStudySet)

				r.Get("/flashcards", s.handleListFlashcards)
				r.Post("/flashcards", s.handleCreateFlashcards)
				r.Put("/flashcards", s.handleBulkUpdateFlashcards)
				r.Post("/flashcards/preview", s.handlePreviewFlashcards)
				r.Post("/flashcards/save-preview", s.handleSavePreview)

				r.Get("/review/next", s.handleNextCard)
				r.Get("/review/stats", s.handleReviewStats)
			})
		})

		r.Delete("/flashcards/{id}", s.handleDeleteFlashcard)
		r.Post("/flashcards/{id}/review", s.handleReviewCard)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUser is only called behind the token middleware.
func currentUser(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return services.Wrap(services.ErrValidation, "", "", "invalid JSON payload", err)
	}
	return nil
}

var errorStatuses = []struct {
	marker error
	status int
}{
	{services.ErrValidation, http.StatusBadRequest},
	{services.ErrUnauthorized, http.StatusUnauthorized},
	{services.ErrForbidden, http.StatusForbidden},
	{services.ErrNotFound, http.StatusNotFound},
	{services.ErrConflict, http.StatusConflict},
	{services.ErrExtraction, http.StatusUnprocessableEntity},
	{services.ErrGeneration, http.StatusUnprocessableEntity},
	{services.ErrAIUnavailable, http.StatusServiceUnavailable},
	{services.ErrPersistence, http.StatusInternalServerError},
}

// writeServiceError maps a service error to its status and a message that is
// safe to show. Server-side failures are logged with their full chain.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var marker error
	for _, e := range errorStatuses {
		if errors.Is(err, e.marker) {
			status, marker = e.status, e.marker
			break
		}
	}

	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		s.log.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, publicMessage(err, marker))
}

func publicMessage(err error, marker error) string {
	switch marker {
	case services.ErrExtraction:
		return "No text could be extracted from the document"
	case services.ErrGeneration:
		return "No flashcards could be produced from the document"
	case services.ErrAIUnavailable:
		return "AI generation is not configured"
	case services.ErrPersistence, nil:
		return "Changes could not be saved"
	}
	// Client-facing errors carry their message right after the marker; any
	// wrapped cause that follows stays in the logs.
	msg := strings.TrimPrefix(err.Error(), marker.Error()+": ")
	msg, _, _ = strings.Cut(msg, ": ")
	return msg
}

func parseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.UTC().Format(timeLayout)
		return &str
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func userJSON(u *models.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"username":   u.Username,
		"email":      u.Email,
		"avatar_url": nullString(u.AvatarURL),
		"created_at": u.CreatedAt.UTC().Format(timeLayout),
		"updated_at": u.UpdatedAt.UTC().Format(timeLayout),
	}
}

func studySetJSON(set *models.StudySet) map[string]any {
	return map[string]any{
		"id":               set.ID,
		"user_id":          set.UserID,
		"title":            set.Title,
		"description":      set.Description,
		"is_ai_generated":  set.IsAIGenerated,
		"source_file_name": nullString(set.SourceFileName),
		"created_at":       set.CreatedAt.UTC().Format(timeLayout),
		"updated_at":       set.UpdatedAt.UTC().Format(timeLayout),
	}
}

func flashcardJSON(card *models.Flashcard) map[string]any {
	return map[string]any{
		"id":          card.ID,
		"user_id":     card.UserID,
		"studyset_id": card.StudySetID,
		"question":    card.Question,
		"answer":      card.Answer,
		"due":         nullTimeToString(card.Due),
		"state":       card.State,
		"reps":        card.Reps,
		"created_at":  card.CreatedAt.UTC().Format(timeLayout),
		"updated_at":  card.UpdatedAt.UTC().Format(timeLayout),
	}
}

func flashcardsJSON(cards []models.Flashcard) []map[string]any {
	out := make([]map[string]any, 0, len(cards))
	for i := range cards {
		out = append(out, flashcardJSON(&cards[i]))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
