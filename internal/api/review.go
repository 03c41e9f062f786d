package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flashly/internal/services"
)

func (s *Server) handleNextCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.flashcards.Next(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, services.ErrNoDueCards) {
			writeJSON(w, http.StatusOK, map[string]any{"flashcard": nil, "message": "No cards due for review"})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flashcard": flashcardJSON(card)})
}

func (s *Server) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.flashcards.Stats(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReviewCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating string `json:"rating"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rating, err := parseRating(req.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rating must be one of again, hard, good, easy")
		return
	}

	card, log, err := s.flashcards.Review(r.Context(), currentUser(r), chi.URLParam(r, "id"), rating)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flashcard": flashcardJSON(card),
		"review": map[string]any{
			"id":             log.ID,
			"rating":         log.Rating,
			"scheduled_days": log.ScheduledDays,
			"elapsed_days":   log.ElapsedDays,
			"state":          log.State,
			"reviewed_at":    log.ReviewedAt.UTC().Format(timeLayout),
		},
	})
}
