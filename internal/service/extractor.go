package service

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"rfiassist/internal/llm"
	"rfiassist/internal/model"
)

// QuestionExtractor turns raw questionnaire text into ordered questions
type QuestionExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// Extractor implements QuestionExtractor with a text model. A nil model
// selects the offline heuristic used when no AI backend is configured.
type Extractor struct {
	model llm.Model
	log   *zap.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(m llm.Model, log *zap.Logger) *Extractor {
	return &Extractor{model: m, log: log.Named("extractor")}
}

const extractSystem = `You extract questions from RFI, RFP, security and data protection questionnaires.
Return ONLY a JSON array of strings, one per question, in the order they appear in the document.
Include requests that are not phrased with a trailing question mark (e.g. "Describe your retention policy").
Copy each question verbatim. Do not answer, merge, or rephrase questions. Omit headings and instructions.`

// Extract returns the normalized, de-duplicated questions of text.
// An empty slice with a nil error means the model found no questions.
func (e *Extractor) Extract(ctx context.Context, text string) ([]string, error) {
	if e.model == nil {
		return dedupeQuestions(e.mockExtract(text)), nil
	}

	raw, err := e.model.Generate(ctx, llm.Request{
		System:      extractSystem,
		Prompt:      text,
		JSON:        true,
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return nil, model.NewExtractionError("question extraction failed", err)
	}

	var questions []string
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &questions); err != nil {
		e.log.Warn("unparseable extraction response", zap.Error(err), zap.String("raw", truncate(raw, 200)))
		return nil, model.NewExtractionError("question extraction returned malformed JSON", err)
	}
	return dedupeQuestions(questions), nil
}

// dedupeQuestions normalizes questions, dropping empties and repeats
// (repeats would share a hash within the questionnaire).
func dedupeQuestions(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		q = model.NormalizeQuestion(q)
		if q == "" {
			continue
		}
		h := model.HashQuestion(q)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, q)
	}
	return out
}

// mockExtract treats every line ending in '?' as a question
func (e *Extractor) mockExtract(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, "?") {
			out = append(out, line)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
