package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flashly/internal/services"
)

type studySetRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (s *Server) handleListStudySets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.sets.List(r.Context(), currentUser(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(sets))
	for i := range sets {
		out = append(out, studySetJSON(&sets[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateStudySet(w http.ResponseWriter, r *http.Request) {
	var req studySetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var title, description string
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		description = *req.Description
	}

	set, err := s.sets.Create(r.Context(), currentUser(r), title, description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, studySetJSON(set))
}

func (s *Server) handleGetStudySet(w http.ResponseWriter, r *http.Request) {
	userID, setID := currentUser(r), chi.URLParam(r, "id")
	set, err := s.sets.GetOwned(r.Context(), userID, setID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	cards, err := s.flashcards.ListBySet(r.Context(), userID, setID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"studyset":   studySetJSON(set),
		"flashcards": flashcardsJSON(cards),
	})
}

func (s *Server) handleUpdateStudySet(w http.ResponseWriter, r *http.Request) {
	var req studySetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	set, err := s.sets.Update(r.Context(), currentUser(r), chi.URLParam(r, "id"), services.StudySetPatch{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studySetJSON(set))
}

func (s *Server) handleDeleteStudySet(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "id")
	if err := s.sets.Delete(r.Context(), currentUser(r), setID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Study set %s deleted successfully", setID),
	})
}
