package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

type User struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  sql.NullString
	OAuthProvider sql.NullString
	OAuthID       sql.NullString
	AvatarURL     sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StudySet struct {
	ID             string
	UserID         string
	Title          string
	Description    string
	IsAIGenerated  bool
	SourceFileName sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FlashcardCandidate is an unsaved question/answer pair. It carries no
// identity or ownership until it is committed.
type FlashcardCandidate struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Flashcard is a persisted card owned by one user and one study set.
// The scheduling columns hold FSRS state.
type Flashcard struct {
	ID            string
	UserID        string
	StudySetID    string
	Question      string
	Answer        string
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReviewLog struct {
	ID            string
	FlashcardID   string
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

// ReviewStats summarises the scheduling state of a study set.
type ReviewStats struct {
	Total    int `json:"total"`
	Due      int `json:"due"`
	New      int `json:"new"`
	Learning int `json:"learning"`
	Review   int `json:"review"`
}

func (c *Flashcard) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *Flashcard) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
