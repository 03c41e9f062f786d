package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flashly/internal/models"
	"flashly/internal/services"
)

type flashcardsRequest struct {
	Flashcards     []models.FlashcardCandidate `json:"flashcards"`
	SourceFileName string                      `json:"source_file_name"`
}

func (s *Server) handleListFlashcards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.flashcards.ListBySet(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flashcardsJSON(cards))
}

func (s *Server) handleCreateFlashcards(w http.ResponseWriter, r *http.Request) {
	var req flashcardsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(req.Flashcards) == 0 {
		writeError(w, http.StatusBadRequest, "No flashcards data provided")
		return
	}

	cards, err := s.flashcards.Create(r.Context(), currentUser(r), chi.URLParam(r, "id"), req.Flashcards)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"message":    fmt.Sprintf("Created %d flashcards", len(cards)),
		"flashcards": flashcardsJSON(cards),
	})
}

func (s *Server) handleBulkUpdateFlashcards(w http.ResponseWriter, r *http.Request) {
	var req services.BulkUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	cards, err := s.flashcards.BulkUpdate(r.Context(), currentUser(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"flashcards": flashcardsJSON(cards),
	})
}

func (s *Server) handleDeleteFlashcard(w http.ResponseWriter, r *http.Request) {
	if err := s.flashcards.Delete(r.Context(), currentUser(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Flashcard deleted successfully"})
}

// handlePreviewFlashcards runs extraction and generation on an uploaded file
// and returns the candidates without storing them. The model call outlives a
// disconnected client and is bounded by the generation timeout instead.
func (s *Server) handlePreviewFlashcards(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Uploaded file is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Uploaded file could not be read")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.GenerationTimeout)
	defer cancel()

	preview, err := s.ingestion.Preview(ctx, currentUser(r), chi.URLParam(r, "id"), header.Filename, data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleSavePreview(w http.ResponseWriter, r *http.Request) {
	var req flashcardsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(req.Flashcards) == 0 {
		writeError(w, http.StatusBadRequest, "No flashcards data to save")
		return
	}

	cards, err := s.ingestion.Commit(r.Context(), currentUser(r), chi.URLParam(r, "id"), req.Flashcards, req.SourceFileName)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"message":    fmt.Sprintf("Saved %d flashcards", len(cards)),
		"flashcards": flashcardsJSON(cards),
	})
}
