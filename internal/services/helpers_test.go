package services

import (
	"context"
	"path/filepath"
	"testing"

	"flashly/internal/db"
	"flashly/internal/models"
)

type testEnv struct {
	db    *db.DB
	users *UserService
	sets  *StudySetService
	cards *FlashcardService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open("sqlite", filepath.Join(t.TempDir(), "flashly.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	sets := NewStudySetService(database, nil)
	return &testEnv{
		db:    database,
		users: NewUserService(database, nil),
		sets:  sets,
		cards: NewFlashcardService(database, sets, nil),
	}
}

func (e *testEnv) mustUser(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := e.users.Register(context.Background(), username, username+"@example.com", "secret-password")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return u
}

func (e *testEnv) mustSet(t *testing.T, userID, title string) *models.StudySet {
	t.Helper()
	set, err := e.sets.Create(context.Background(), userID, title, "")
	if err != nil {
		t.Fatalf("create set: %v", err)
	}
	return set
}

func (e *testEnv) countCards(t *testing.T, setID string) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM flashcards WHERE studyset_id = ?`, setID).Scan(&n); err != nil {
		t.Fatalf("count cards: %v", err)
	}
	return n
}
