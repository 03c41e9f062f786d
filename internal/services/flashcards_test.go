package services

import (
	"context"
	"errors"
	"testing"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"flashly/internal/models"
)

func TestPersistCandidatesStoresOwnedCardsInOrder(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustUser(t, "alice")
	set := env.mustSet(t, user.ID, "Capitals")
	ctx := context.Background()

	candidates := []models.FlashcardCandidate{
		{Question: "Capital of France?", Answer: "Paris"},
		{Question: "Capital of Japan?", Answer: "Tokyo"},
		{Question: "Capital of Peru?", Answer: "Lima"},
	}
	cards, err := env.cards.PersistCandidates(ctx, set.ID, user.ID, candidates, "capitals.pdf")
	if err != nil {
		t.Fatalf("PersistCandidates: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}

	listed, err := env.cards.ListBySet(ctx, user.ID, set.ID)
	if err != nil {
		t.Fatalf("ListBySet: %v", err)
	}
	for i, card := range listed {
		if card.Question != candidates[i].Question || card.UserID != user.ID || card.StudySetID != set.ID {
			t.Fatalf("card %d = %+v", i, card)
		}
		if card.ID == "" {
			t.Fatalf("card %d has no id", i)
		}
	}

	reloaded, err := env.sets.Get(ctx, set.ID)
	if err != nil {
		t.Fatalf("Get set: %v", err)
	}
	if !reloaded.IsAIGenerated || reloaded.SourceFileName.String != "capitals.pdf" {
		t.Fatalf("set metadata not updated: %+v", reloaded)
	}
}

func TestPersistCandidatesRejectsEmptyAndBlank(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustUser(t, "alice")
	set := env.mustSet(t, user.ID, "Empty")
	ctx := context.Background()

	if _, err := env.cards.PersistCandidates(ctx, set.ID, user.ID, nil, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty list, got %v", err)
	}
	blank := []models.FlashcardCandidate{{Question: "Q", Answer: "A"}, {Question: " ", Answer: "A"}}
	if _, err := env.cards.PersistCandidates(ctx, set.ID, user.ID, blank, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank question, got %v", err)
	}
	if n := env.countCards(t, set.ID); n != 0 {
		t.Fatalf("expected no cards, got %d", n)
	}
}

func TestPersistCandidatesRollsBackOnInsertFailure(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustUser(t, "alice")
	set := env.mustSet(t, user.ID, "Rollback")
	ctx := context.Background()

	_, err := env.cards.PersistCandidates(ctx, "missing-set", user.ID, []models.FlashcardCandidate{{Question: "Q", Answer: "A"}}, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing set, got %v", err)
	}

	// Fails the last insert of the batch.
	if _, err := env.db.Exec(`CREATE TRIGGER reject_third BEFORE INSERT ON flashcards
		WHEN NEW.question = 'boom'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	candidates := []models.FlashcardCandidate{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
		{Question: "boom", Answer: "A3"},
	}
	_, err = env.cards.PersistCandidates(ctx, set.ID, user.ID, candidates, "notes.pdf")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if n := env.countCards(t, set.ID); n != 0 {
		t.Fatalf("expected full rollback, %d cards left", n)
	}
	reloaded, err := env.sets.Get(ctx, set.ID)
	if err != nil {
		t.Fatalf("Get set: %v", err)
	}
	if reloaded.IsAIGenerated {
		t.Fatalf("set metadata should be rolled back")
	}
}

func TestBulkUpdateAppliesDeletesUpdatesAndCreates(t *testing.T) {
	env := newTestEnv(t)
	alice := env.mustUser(t, "alice")
	bob := env.mustUser(t, "bob")
	set := env.mustSet(t, alice.ID, "Bulk")
	ctx := context.Background()

	cards, err := env.cards.Create(ctx, alice.ID, set.ID, []models.FlashcardCandidate{
		{Question: "keep", Answer: "a"},
		{Question: "drop", Answer: "b"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := env.cards.BulkUpdate(ctx, alice.ID, set.ID, BulkUpdate{
		Flashcards: []FlashcardInput{
			{ID: cards[0].ID, Question: "kept", Answer: "a2"},
			{Question: "new", Answer: "c"},
		},
		DeleteIDs: []string{cards[1].ID},
	})
	if err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}
	if len(result) != 2 || result[0].Question != "kept" || result[0].Answer != "a2" || result[1].Question != "new" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := env.cards.BulkUpdate(ctx, bob.ID, set.ID, BulkUpdate{DeleteIDs: []string{cards[0].ID}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other user, got %v", err)
	}
	if _, err := env.cards.BulkUpdate(ctx, alice.ID, set.ID, BulkUpdate{Flashcards: []FlashcardInput{{Question: "", Answer: "x"}}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDeleteFlashcardChecksOwner(t *testing.T) {
	env := newTestEnv(t)
	alice := env.mustUser(t, "alice")
	bob := env.mustUser(t, "bob")
	set := env.mustSet(t, alice.ID, "Owner")
	ctx := context.Background()

	cards, err := env.cards.Create(ctx, alice.ID, set.ID, []models.FlashcardCandidate{{Question: "Q", Answer: "A"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.cards.Delete(ctx, bob.ID, cards[0].ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := env.cards.Delete(ctx, alice.ID, cards[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := env.cards.Delete(ctx, alice.ID, cards[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReviewSchedulesCardAndLogs(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustUser(t, "alice")
	set := env.mustSet(t, user.ID, "Review")
	ctx := context.Background()

	if _, err := env.cards.Create(ctx, user.ID, set.ID, []models.FlashcardCandidate{{Question: "Q", Answer: "A"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	next, err := env.cards.Next(ctx, user.ID, set.ID)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	reviewed, log, err := env.cards.Review(ctx, user.ID, next.ID, fsrs.Easy)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if reviewed.Reps != 1 || reviewed.State == int(fsrs.New) {
		t.Fatalf("card not scheduled: %+v", reviewed)
	}
	if !reviewed.Due.Valid || !reviewed.Due.Time.After(next.Due.Time) {
		t.Fatalf("due not advanced: %v -> %v", next.Due, reviewed.Due)
	}
	if log.Rating != int(fsrs.Easy) || log.FlashcardID != next.ID {
		t.Fatalf("unexpected log: %+v", log)
	}

	var logs int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM review_logs WHERE flashcard_id = ?`, next.ID).Scan(&logs); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 1 {
		t.Fatalf("expected 1 review log, got %d", logs)
	}

	if _, err := env.cards.Next(ctx, user.ID, set.ID); !errors.Is(err, ErrNoDueCards) {
		t.Fatalf("expected ErrNoDueCards, got %v", err)
	}

	stats, err := env.cards.Stats(ctx, user.ID, set.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.Due != 0 || stats.New != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReviewRejectsUnknownRating(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustUser(t, "alice")
	set := env.mustSet(t, user.ID, "Ratings")
	ctx := context.Background()

	cards, err := env.cards.Create(ctx, user.ID, set.ID, []models.FlashcardCandidate{{Question: "Q", Answer: "A"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := env.cards.Review(ctx, user.ID, cards[0].ID, fsrs.Rating(9)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
