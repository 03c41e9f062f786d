package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"flashly/internal/db"
	"flashly/internal/logging"
	"flashly/internal/models"
)

const maxTitleLength = 200

// StudySetService owns study sets. Flashcards go with their set on delete.
type StudySetService struct {
	db  *db.DB
	log *logging.Logger
}

func NewStudySetService(database *db.DB, log *logging.Logger) *StudySetService {
	if log == nil {
		log = logging.Nop()
	}
	return &StudySetService{db: database, log: log}
}

// StudySetPatch carries the fields of a partial update. Nil fields are kept.
type StudySetPatch struct {
	Title       *string
	Description *string
}

const studySetColumns = `id, user_id, title, description, is_ai_generated, source_file_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudySet(row rowScanner) (*models.StudySet, error) {
	set := &models.StudySet{}
	if err := row.Scan(
		&set.ID,
		&set.UserID,
		&set.Title,
		&set.Description,
		&set.IsAIGenerated,
		&set.SourceFileName,
		&set.CreatedAt,
		&set.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return set, nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", Wrap(ErrValidation, "", "", "title is required", nil)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", Wrap(ErrValidation, "", "", "title must be at most 200 characters", nil)
	}
	return title, nil
}

// List returns the user's study sets, newest first.
func (s *StudySetService) List(ctx context.Context, userID string) ([]models.StudySet, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+studySetColumns+`
		FROM studysets
		WHERE user_id = ?
		ORDER BY created_at DESC;
	`), userID)
	if err != nil {
		return nil, Wrap(ErrPersistence, "studysets", "list", "", err)
	}
	defer rows.Close()

	sets := []models.StudySet{}
	for rows.Next() {
		set, err := scanStudySet(rows)
		if err != nil {
			return nil, Wrap(ErrPersistence, "studysets", "scan", "", err)
		}
		sets = append(sets, *set)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap(ErrPersistence, "studysets", "iterate", "", err)
	}
	return sets, nil
}

func (s *StudySetService) Create(ctx context.Context, userID, title, description string) (*models.StudySet, error) {
	title, err := validateTitle(title)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	set := &models.StudySet{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO studysets (id, user_id, title, description, is_ai_generated, source_file_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`), set.ID, set.UserID, set.Title, set.Description, false, nil, set.CreatedAt, set.UpdatedAt); err != nil {
		return nil, Wrap(ErrPersistence, "studysets", "create", "", err)
	}

	s.log.Info("study set created", "studyset_id", set.ID, "user_id", userID)
	return set, nil
}

// Get looks a study set up by id regardless of owner.
func (s *StudySetService) Get(ctx context.Context, id string) (*models.StudySet, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+studySetColumns+` FROM studysets WHERE id = ?;`), id)
	set, err := scanStudySet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Wrap(ErrNotFound, "", "", "study set not found", nil)
		}
		return nil, Wrap(ErrPersistence, "studysets", "get", "", err)
	}
	return set, nil
}

// GetOwned is Get plus an ownership check.
func (s *StudySetService) GetOwned(ctx context.Context, userID, id string) (*models.StudySet, error) {
	set, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if set.UserID != userID {
		return nil, Wrap(ErrForbidden, "", "", "study set belongs to another user", nil)
	}
	return set, nil
}

func (s *StudySetService) Update(ctx context.Context, userID, id string, patch StudySetPatch) (*models.StudySet, error) {
	set, err := s.GetOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title, err := validateTitle(*patch.Title)
		if err != nil {
			return nil, err
		}
		set.Title = title
	}
	if patch.Description != nil {
		set.Description = strings.TrimSpace(*patch.Description)
	}
	set.UpdatedAt = time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE studysets SET title = ?, description = ?, updated_at = ? WHERE id = ?;
	`), set.Title, set.Description, set.UpdatedAt, set.ID); err != nil {
		return nil, Wrap(ErrPersistence, "studysets", "update", "", err)
	}
	return set, nil
}

// Delete removes the set. The schema cascades to its flashcards.
func (s *StudySetService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.GetOwned(ctx, userID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM studysets WHERE id = ?;`), id); err != nil {
		return Wrap(ErrPersistence, "studysets", "delete", "", err)
	}
	s.log.Info("study set deleted", "studyset_id", id, "user_id", userID)
	return nil
}
