package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"flashly/internal/db"
	"flashly/internal/logging"
	"flashly/internal/models"
)

// FlashcardService persists flashcards and schedules their reviews with FSRS.
type FlashcardService struct {
	db     *db.DB
	sets   *StudySetService
	params fsrs.Parameters
	log    *logging.Logger
}

func NewFlashcardService(database *db.DB, sets *StudySetService, log *logging.Logger) *FlashcardService {
	if log == nil {
		log = logging.Nop()
	}
	return &FlashcardService{
		db:     database,
		sets:   sets,
		params: fsrs.DefaultParam(),
		log:    log,
	}
}

// FlashcardInput is one item of a bulk update. An empty ID creates a card.
type FlashcardInput struct {
	ID       string `json:"id,omitempty"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// BulkUpdate applies deletes, updates and creates to one study set.
type BulkUpdate struct {
	Flashcards []FlashcardInput `json:"flashcards"`
	DeleteIDs  []string         `json:"delete_ids"`
}

const flashcardColumns = `id, user_id, studyset_id, question, answer, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at`

func scanFlashcard(row rowScanner) (*models.Flashcard, error) {
	card := &models.Flashcard{}
	if err := row.Scan(
		&card.ID,
		&card.UserID,
		&card.StudySetID,
		&card.Question,
		&card.Answer,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return card, nil
}

func validateCandidates(candidates []models.FlashcardCandidate) error {
	if len(candidates) == 0 {
		return Wrap(ErrValidation, "", "", "no flashcards to save", nil)
	}
	for i, c := range candidates {
		if strings.TrimSpace(c.Question) == "" || strings.TrimSpace(c.Answer) == "" {
			return Wrap(ErrValidation, "", "", fmt.Sprintf("flashcard %d needs both a question and an answer", i+1), nil)
		}
	}
	return nil
}

// ListBySet returns the cards of an owned study set in creation order.
func (s *FlashcardService) ListBySet(ctx context.Context, userID, setID string) ([]models.Flashcard, error) {
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}
	return s.listBySet(ctx, s.db, setID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *FlashcardService) listBySet(ctx context.Context, q queryer, setID string) ([]models.Flashcard, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(`
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE studyset_id = ?
		ORDER BY created_at ASC;
	`), setID)
	if err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "list", "", err)
	}
	defer rows.Close()

	cards := []models.Flashcard{}
	for rows.Next() {
		card, err := scanFlashcard(rows)
		if err != nil {
			return nil, Wrap(ErrPersistence, "flashcards", "scan", "", err)
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "iterate", "", err)
	}
	return cards, nil
}

// Create adds manually written cards to an owned study set, all or nothing.
func (s *FlashcardService) Create(ctx context.Context, userID, setID string, candidates []models.FlashcardCandidate) ([]models.Flashcard, error) {
	if err := validateCandidates(candidates); err != nil {
		return nil, err
	}
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "begin tx", "", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cards, err := s.insertCards(ctx, tx, userID, setID, candidates)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "commit", "", err)
	}
	return cards, nil
}

// PersistCandidates stores approved candidates in setID for userID in one
// transaction and marks the set as AI generated. Nothing is written when any
// insert fails.
func (s *FlashcardService) PersistCandidates(ctx context.Context, setID, userID string, candidates []models.FlashcardCandidate, sourceFile string) ([]models.Flashcard, error) {
	if err := validateCandidates(candidates); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap(ErrPersistence, "commit", "begin tx", "", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var source any
	if sourceFile = strings.TrimSpace(sourceFile); sourceFile != "" {
		source = sourceFile
	}
	var res sql.Result
	res, err = tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE studysets
		SET is_ai_generated = ?, source_file_name = COALESCE(?, source_file_name), updated_at = ?
		WHERE id = ? AND user_id = ?;
	`), true, source, time.Now().UTC(), setID, userID)
	if err != nil {
		return nil, Wrap(ErrPersistence, "commit", "mark study set", "", err)
	}
	var affected int64
	if affected, err = res.RowsAffected(); err != nil {
		return nil, Wrap(ErrPersistence, "commit", "mark study set", "", err)
	}
	if affected == 0 {
		err = Wrap(ErrNotFound, "", "", "study set not found", nil)
		return nil, err
	}

	cards, err := s.insertCards(ctx, tx, userID, setID, candidates)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, Wrap(ErrPersistence, "commit", "commit tx", "", err)
	}

	s.log.Info("flashcards committed", "studyset_id", setID, "user_id", userID, "count", len(cards))
	return cards, nil
}

func (s *FlashcardService) insertCards(ctx context.Context, tx *sql.Tx, userID, setID string, candidates []models.FlashcardCandidate) ([]models.Flashcard, error) {
	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
		INSERT INTO flashcards (id, user_id, studyset_id, question, answer, due, stability, difficulty,
		                        elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`))
	if err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "prepare insert", "", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	cards := make([]models.Flashcard, 0, len(candidates))
	for i, c := range candidates {
		// Offsets keep ORDER BY created_at equal to input order.
		created := now.Add(time.Duration(i) * time.Microsecond)
		card := models.Flashcard{
			ID:         uuid.NewString(),
			UserID:     userID,
			StudySetID: setID,
			Question:   c.Question,
			Answer:     c.Answer,
			Due:        sql.NullTime{Time: created, Valid: true},
			CreatedAt:  created,
			UpdatedAt:  created,
		}
		if _, err := stmt.ExecContext(ctx,
			card.ID,
			card.UserID,
			card.StudySetID,
			card.Question,
			card.Answer,
			nullTimePtr(card.Due),
			card.Stability,
			card.Difficulty,
			card.ElapsedDays,
			card.ScheduledDays,
			card.Reps,
			card.Lapses,
			card.State,
			nullTimePtr(card.LastReview),
			card.CreatedAt,
			card.UpdatedAt,
		); err != nil {
			return nil, Wrap(ErrPersistence, "flashcards", "insert", fmt.Sprintf("card %d", i+1), err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// BulkUpdate deletes, updates and creates cards of one owned set in a single
// transaction and returns the resulting card list. Ids that do not belong to
// the set and user are skipped.
func (s *FlashcardService) BulkUpdate(ctx context.Context, userID, setID string, update BulkUpdate) ([]models.Flashcard, error) {
	for i, in := range update.Flashcards {
		if strings.TrimSpace(in.Question) == "" || strings.TrimSpace(in.Answer) == "" {
			return nil, Wrap(ErrValidation, "", "", fmt.Sprintf("flashcard %d needs both a question and an answer", i+1), nil)
		}
	}
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "begin tx", "", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, id := range update.DeleteIDs {
		if _, err = tx.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM flashcards WHERE id = ? AND studyset_id = ? AND user_id = ?;
		`), id, setID, userID); err != nil {
			return nil, Wrap(ErrPersistence, "flashcards", "delete", id, err)
		}
	}

	now := time.Now().UTC()
	var created []models.FlashcardCandidate
	for _, in := range update.Flashcards {
		if in.ID == "" {
			created = append(created, models.FlashcardCandidate{Question: in.Question, Answer: in.Answer})
			continue
		}
		if _, err = tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE flashcards SET question = ?, answer = ?, updated_at = ?
			WHERE id = ? AND studyset_id = ? AND user_id = ?;
		`), in.Question, in.Answer, now, in.ID, setID, userID); err != nil {
			return nil, Wrap(ErrPersistence, "flashcards", "update", in.ID, err)
		}
	}
	if len(created) > 0 {
		if _, err = s.insertCards(ctx, tx, userID, setID, created); err != nil {
			return nil, err
		}
	}

	var cards []models.Flashcard
	if cards, err = s.listBySet(ctx, tx, setID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, Wrap(ErrPersistence, "flashcards", "commit", "", err)
	}
	return cards, nil
}

func (s *FlashcardService) get(ctx context.Context, userID, cardID string) (*models.Flashcard, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+flashcardColumns+` FROM flashcards WHERE id = ?;`), cardID)
	card, err := scanFlashcard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Wrap(ErrNotFound, "", "", "flashcard not found", nil)
		}
		return nil, Wrap(ErrPersistence, "flashcards", "get", "", err)
	}
	if card.UserID != userID {
		return nil, Wrap(ErrForbidden, "", "", "flashcard belongs to another user", nil)
	}
	return card, nil
}

func (s *FlashcardService) Delete(ctx context.Context, userID, cardID string) error {
	if _, err := s.get(ctx, userID, cardID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM flashcards WHERE id = ?;`), cardID); err != nil {
		return Wrap(ErrPersistence, "flashcards", "delete", "", err)
	}
	return nil
}

// Next returns the card to study next in an owned set: the earliest due card,
// otherwise the oldest card never reviewed.
func (s *FlashcardService) Next(ctx context.Context, userID, setID string) (*models.Flashcard, error) {
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	card, err := s.fetchCard(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE studyset_id = ? AND due IS NOT NULL AND due <= ?
		ORDER BY due ASC
		LIMIT 1;
	`, setID, now)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, Wrap(ErrPersistence, "review", "next due", "", err)
	}

	card, err = s.fetchCard(ctx, `
		SELECT `+flashcardColumns+`
		FROM flashcards
		WHERE studyset_id = ? AND state = ?
		ORDER BY created_at ASC
		LIMIT 1;
	`, setID, int(fsrs.New))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDueCards
		}
		return nil, Wrap(ErrPersistence, "review", "next unseen", "", err)
	}
	return card, nil
}

func (s *FlashcardService) fetchCard(ctx context.Context, query string, args ...any) (*models.Flashcard, error) {
	return scanFlashcard(s.db.QueryRowContext(ctx, s.db.Rebind(query), args...))
}

// Review applies rating to the card's FSRS state and appends a review log.
func (s *FlashcardService) Review(ctx context.Context, userID, cardID string, rating fsrs.Rating) (*models.Flashcard, *models.ReviewLog, error) {
	card, err := s.get(ctx, userID, cardID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return nil, nil, Wrap(ErrValidation, "", "", fmt.Sprintf("rating %d not supported", rating), nil)
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, Wrap(ErrPersistence, "review", "begin tx", "", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE flashcards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`),
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		return nil, nil, Wrap(ErrPersistence, "review", "update card", "", err)
	}

	log := &models.ReviewLog{
		ID:            uuid.NewString(),
		FlashcardID:   card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}
	if _, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO review_logs (id, flashcard_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`), log.ID, log.FlashcardID, log.Rating, log.ScheduledDays, log.ElapsedDays, log.State, log.ReviewedAt); err != nil {
		return nil, nil, Wrap(ErrPersistence, "review", "insert log", "", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, Wrap(ErrPersistence, "review", "commit", "", err)
	}
	return card, log, nil
}

// Stats counts the cards of an owned set by scheduling state.
func (s *FlashcardService) Stats(ctx context.Context, userID, setID string) (*models.ReviewStats, error) {
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &models.ReviewStats{}
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN due IS NOT NULL AND due <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM flashcards
		WHERE studyset_id = ?;
	`), now, int(fsrs.New), int(fsrs.Learning), int(fsrs.Relearning), int(fsrs.Review), setID).Scan(
		&stats.Total,
		&stats.Due,
		&stats.New,
		&stats.Learning,
		&stats.Review,
	); err != nil {
		return nil, Wrap(ErrPersistence, "review", "stats", "", err)
	}
	return stats, nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}
