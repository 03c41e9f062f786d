package services

import (
	"context"
	"path/filepath"
	"strings"

	"flashly/internal/logging"
	"flashly/internal/models"
)

// PreviewStage names the steps an upload passes through before it is shown
// to the user.
type PreviewStage string

const (
	StageUploaded  PreviewStage = "uploaded"
	StageExtracted PreviewStage = "extracted"
	StageGenerated PreviewStage = "generated"
	StagePreviewed PreviewStage = "previewed"
	StageCommitted PreviewStage = "committed"
)

// Preview is an unsaved set of generated candidates. It carries no ids.
type Preview struct {
	Flashcards     []models.FlashcardCandidate `json:"flashcards"`
	Count          int                         `json:"count"`
	SourceFileName string                      `json:"source_file_name"`
}

// IngestionService turns uploaded documents into flashcard previews and
// commits approved previews. It keeps no state between calls.
type IngestionService struct {
	extractor TextExtractor
	generator *Generator
	sets      *StudySetService
	cards     *FlashcardService
	log       *logging.Logger
}

func NewIngestionService(
	extractor TextExtractor,
	generator *Generator,
	sets *StudySetService,
	cards *FlashcardService,
	log *logging.Logger,
) *IngestionService {
	if log == nil {
		log = logging.Nop()
	}
	return &IngestionService{
		extractor: extractor,
		generator: generator,
		sets:      sets,
		cards:     cards,
		log:       log,
	}
}

// Preview extracts text from the document and generates candidates for an
// owned study set. Nothing is persisted.
func (s *IngestionService) Preview(ctx context.Context, userID, setID, filename string, data []byte) (*Preview, error) {
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}
	filename = baseName(filename)
	log := s.log.With("studyset_id", setID, "user_id", userID, "file", filename)
	log.Debug("preview stage", "stage", StageUploaded, "bytes", len(data))

	text, pages := s.extractor.Extract(data)
	if strings.TrimSpace(text) == "" {
		log.Warn("no text extracted from upload")
		return nil, Wrap(ErrExtraction, "extract", "", "no text could be extracted from the document", nil)
	}
	log.Debug("preview stage", "stage", StageExtracted, "pages", pages, "chars", len(text))

	candidates, err := s.generator.Generate(ctx, text)
	if err != nil {
		return nil, err
	}

	usable := make([]models.FlashcardCandidate, 0, len(candidates))
	for _, c := range candidates {
		c.Question = strings.TrimSpace(c.Question)
		c.Answer = strings.TrimSpace(c.Answer)
		if c.Question == "" || c.Answer == "" {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, Wrap(ErrGeneration, "generate", "", "no flashcards could be produced", nil)
	}
	log.Debug("preview stage", "stage", StageGenerated, "count", len(usable), "dropped", len(candidates)-len(usable))

	preview := &Preview{
		Flashcards:     usable,
		Count:          len(usable),
		SourceFileName: filename,
	}
	log.Info("preview ready", "stage", StagePreviewed, "count", preview.Count)
	return preview, nil
}

// Commit persists approved candidates in an owned study set. Committing the
// same preview twice stores the cards twice.
func (s *IngestionService) Commit(ctx context.Context, userID, setID string, candidates []models.FlashcardCandidate, sourceFile string) ([]models.Flashcard, error) {
	if err := validateCandidates(candidates); err != nil {
		return nil, err
	}
	if _, err := s.sets.GetOwned(ctx, userID, setID); err != nil {
		return nil, err
	}

	cards, err := s.cards.PersistCandidates(ctx, setID, userID, candidates, baseName(sourceFile))
	if err != nil {
		s.log.Error("commit failed", "studyset_id", setID, "user_id", userID, "error", err)
		return nil, err
	}
	s.log.Info("preview committed", "stage", StageCommitted, "studyset_id", setID, "count", len(cards))
	return cards, nil
}

func baseName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}
