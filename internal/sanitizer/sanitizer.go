// Package sanitizer recovers flashcard candidates from free-text model output.
//
// Recovery runs in two phases. Repairs rewrite the raw text toward a JSON
// array, each targeting one failure mode seen in real responses. Recoveries
// then try to read candidates out of the repaired text, first success wins.
// New repairs or recoveries are appended to the lists without reordering the
// existing ones.
package sanitizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"flashly/internal/logging"
	"flashly/internal/models"
)

// ErrUnrecoverable is returned when every recovery stage failed.
var ErrUnrecoverable = errors.New("model response could not be recovered")

// Repair is one text rewrite. Apply must be pure.
type Repair struct {
	Name  string
	Apply func(string) string
}

// Recovery reads candidates out of repaired text. It returns an error instead
// of a partial result when it cannot read the whole text.
type Recovery struct {
	Name    string
	Recover func(string) ([]models.FlashcardCandidate, error)
}

var (
	arrayPattern    = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	boundaryPattern = regexp.MustCompile(`\}\s*\{`)
	questionPattern = regexp.MustCompile(`"question"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	answerPattern   = regexp.MustCompile(`"answer"\s*:\s*"((?:[^"\\]|\\.)*)"`)

	// Literal fixes for a character-dropping artifact seen in Gemini output.
	corruptionFixes = [][2]string{
		{" g", "ng"},
		{" i ", " in "},
		{" itor", "nitor"},
	}
)

// DefaultRepairs returns the repair chain in application order.
func DefaultRepairs() []Repair {
	return []Repair{
		{Name: "strip-fences", Apply: StripFences},
		{Name: "normalize-escapes", Apply: NormalizeEscapes},
		{Name: "isolate-array", Apply: IsolateArray},
		{Name: "repair-corruption", Apply: RepairCorruption},
		{Name: "ensure-brackets", Apply: EnsureBrackets},
	}
}

// DefaultRecoveries returns the recovery chain in attempt order.
func DefaultRecoveries() []Recovery {
	return []Recovery{
		{Name: "parse-json", Recover: ParseJSON},
		{Name: "extract-fields", Recover: ExtractFields},
		{Name: "collapse-whitespace", Recover: CollapseWhitespace},
	}
}

// Sanitizer runs the repair and recovery chains.
type Sanitizer struct {
	repairs    []Repair
	recoveries []Recovery
	log        *logging.Logger
}

// New returns a Sanitizer with the default chains.
func New(log *logging.Logger) *Sanitizer {
	return NewWithStages(log, DefaultRepairs(), DefaultRecoveries())
}

// NewWithStages returns a Sanitizer with explicit chains.
func NewWithStages(log *logging.Logger, repairs []Repair, recoveries []Recovery) *Sanitizer {
	if log == nil {
		log = logging.Nop()
	}
	return &Sanitizer{repairs: repairs, recoveries: recoveries, log: log}
}

// Sanitize returns a non-empty, ordered candidate list or ErrUnrecoverable.
// Empty question or answer strings are passed through unchanged.
func (s *Sanitizer) Sanitize(raw string) ([]models.FlashcardCandidate, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUnrecoverable)
	}

	repaired := raw
	for _, r := range s.repairs {
		repaired = r.Apply(repaired)
	}

	for _, rec := range s.recoveries {
		cards, err := rec.Recover(repaired)
		if err == nil && len(cards) > 0 {
			s.log.Debug("model response recovered", "stage", rec.Name, "count", len(cards))
			return cards, nil
		}
		if err == nil {
			err = errors.New("no candidates")
		}
		s.log.Debug("recovery stage failed", "stage", rec.Name, "error", err)
	}

	s.log.Warn("model response unrecoverable",
		"raw", logging.Snippet(raw, 200),
		"repaired", logging.Snippet(repaired, 200),
	)
	return nil, fmt.Errorf("%w: %d recovery stages failed", ErrUnrecoverable, len(s.recoveries))
}

// StripFences removes markdown code fences and surrounding whitespace.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// NormalizeEscapes un-escapes every quote when the question key itself is
// escaped, which marks a payload that was double-encoded as a whole.
func NormalizeEscapes(text string) string {
	if !strings.Contains(text, `\"question`) {
		return text
	}
	return strings.ReplaceAll(text, `\"`, `"`)
}

// IsolateArray keeps only the first bracketed run of objects, if any.
func IsolateArray(text string) string {
	if match := arrayPattern.FindString(text); match != "" {
		return match
	}
	return text
}

// RepairCorruption reverses the known letter-dropping artifacts and inserts
// missing commas between adjacent objects.
func RepairCorruption(text string) string {
	for _, fix := range corruptionFixes {
		text = strings.ReplaceAll(text, fix[0], fix[1])
	}
	return boundaryPattern.ReplaceAllString(text, "},{")
}

// EnsureBrackets adds a missing leading or trailing array bracket.
func EnsureBrackets(text string) string {
	if !strings.HasPrefix(text, "[") {
		text = "[" + text
	}
	if !strings.HasSuffix(text, "]") {
		text += "]"
	}
	return text
}

// ParseJSON decodes the text as a JSON array of candidates.
func ParseJSON(text string) ([]models.FlashcardCandidate, error) {
	var cards []models.FlashcardCandidate
	if err := json.Unmarshal([]byte(text), &cards); err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, errors.New("empty array")
	}
	return cards, nil
}

// ExtractFields scans question and answer string fields independently and
// pairs them by position. Mismatched counts are a failure.
func ExtractFields(text string) ([]models.FlashcardCandidate, error) {
	questions := questionPattern.FindAllStringSubmatch(text, -1)
	answers := answerPattern.FindAllStringSubmatch(text, -1)
	if len(questions) == 0 || len(answers) == 0 {
		return nil, errors.New("no question/answer fields found")
	}
	if len(questions) != len(answers) {
		return nil, fmt.Errorf("found %d questions and %d answers", len(questions), len(answers))
	}

	cards := make([]models.FlashcardCandidate, len(questions))
	for i := range questions {
		cards[i] = models.FlashcardCandidate{
			Question: unescape(questions[i][1]),
			Answer:   unescape(answers[i][1]),
		}
	}
	return cards, nil
}

// CollapseWhitespace drops all whitespace, puts one space back after each
// object boundary and parses again.
func CollapseWhitespace(text string) ([]models.FlashcardCandidate, error) {
	collapsed := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return ParseJSON(strings.ReplaceAll(collapsed, "},{", "}, {"))
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
