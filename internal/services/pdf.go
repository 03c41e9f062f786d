package services

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"flashly/internal/logging"
)

// TextExtractor turns an uploaded document into plain text. Implementations
// report failure as empty text and never return an error.
type TextExtractor interface {
	Extract(data []byte) (text string, pageCount int)
}

type PDFExtractor struct {
	log *logging.Logger
}

func NewPDFExtractor(log *logging.Logger) *PDFExtractor {
	if log == nil {
		log = logging.Nop()
	}
	return &PDFExtractor{log: log}
}

// Extract reads the text layer of every page. Corrupt or non-PDF input yields
// ("", 0); the pdf reader panics on some malformed streams, so that is
// recovered here too.
func (s *PDFExtractor) Extract(data []byte) (text string, pageCount int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("pdf extraction panicked", "panic", r)
			text, pageCount = "", 0
		}
	}()

	if len(data) == 0 {
		return "", 0
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.log.Warn("open pdf", "error", err)
		return "", 0
	}

	var builder strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			s.log.Warn("read pdf page", "page", i, "error", err)
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}

	text = strings.TrimSpace(builder.String())
	if text == "" {
		return "", 0
	}
	s.log.Info("extracted pdf text", "characters", len(text), "pages", pages)
	return text, pages
}
