package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"rfiassist/internal/llm"
	"rfiassist/internal/model"
)

// Sampling temperatures for single and batch answers
const (
	answerTemperature float32 = 0.4
	batchTemperature  float32 = 0.2
)

// AnswerGenerator produces answers for one question or a batch of questions
type AnswerGenerator interface {
	Answer(ctx context.Context, question string, qType model.QuestionnaireType, cType model.CustomerType) (string, error)
	// AnswerBatch returns answers keyed by normalized question text
	AnswerBatch(ctx context.Context, questions []string, qType model.QuestionnaireType, cType model.CustomerType) (map[string]string, error)
}

// ContextBundle is the static company material every prompt is grounded on
type ContextBundle struct {
	Info        string
	Policies    string
	Methodology string
}

var contextFiles = map[string]func(*ContextBundle, string){
	"info.txt":        func(b *ContextBundle, s string) { b.Info = s },
	"policies.txt":    func(b *ContextBundle, s string) { b.Policies = s },
	"methodology.txt": func(b *ContextBundle, s string) { b.Methodology = s },
}

// LoadContextBundle reads info.txt, policies.txt and methodology.txt from dir.
// Missing files are left empty.
func LoadContextBundle(dir string) (*ContextBundle, error) {
	b := &ContextBundle{}
	for name, set := range contextFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read context file %s: %w", name, err)
		}
		set(b, strings.TrimSpace(string(data)))
	}
	return b, nil
}

func (b *ContextBundle) render() string {
	var sb strings.Builder
	for _, part := range []struct{ title, body string }{
		{"Company information", b.Info},
		{"Policies", b.Policies},
		{"Methodology", b.Methodology},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n\n", part.title, part.body)
	}
	return sb.String()
}

// Generator implements AnswerGenerator with a text model and similarity retrieval.
// A nil model selects deterministic mock answers.
type Generator struct {
	model     llm.Model
	similar   SimilarFinder
	bundle    *ContextBundle
	threshold float64
	log       *zap.Logger
}

// NewGenerator creates a generator. similar may be nil to disable retrieval.
func NewGenerator(m llm.Model, similar SimilarFinder, bundle *ContextBundle, threshold float64, log *zap.Logger) *Generator {
	if bundle == nil {
		bundle = &ContextBundle{}
	}
	return &Generator{
		model:     m,
		similar:   similar,
		bundle:    bundle,
		threshold: threshold,
		log:       log.Named("generator"),
	}
}

func (g *Generator) systemPrompt(qType model.QuestionnaireType, cType model.CustomerType, outputRule string) string {
	return fmt.Sprintf(`You are an expert at answering RFI, RFP and security questionnaires on behalf of the company described below.
This document is %s sent by %s. Answer to the best of your ability, concisely and to the point.
Questions may not always be phrased as questions.
%s

%s`, qType.Describe(), cType.Describe(), outputRule, g.bundle.render())
}

// examples returns the retrieved neighbours at or above the similarity threshold.
// Retrieval failure only drops the few-shot examples.
func (g *Generator) examples(ctx context.Context, questions []string) []model.Similar {
	if g.similar == nil {
		return nil
	}
	results, err := g.similar.GetSimilar(ctx, questions)
	if err != nil {
		g.log.Warn("similarity retrieval failed; answering without examples", zap.Error(err))
		return nil
	}
	seen := make(map[string]bool)
	var out []model.Similar
	for _, r := range results {
		for _, n := range r.Neighbors {
			if n.Distance < g.threshold || n.Answer == "" || seen[n.Question] {
				continue
			}
			seen[n.Question] = true
			out = append(out, n)
		}
	}
	return out
}

func renderExamples(examples []model.Similar) string {
	if len(examples) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previously approved answers to similar questions:\n")
	for _, e := range examples {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", e.Question, e.Answer)
	}
	return sb.String()
}

func (g *Generator) Answer(ctx context.Context, question string, qType model.QuestionnaireType, cType model.CustomerType) (string, error) {
	question = model.NormalizeQuestion(question)
	if question == "" {
		return "", model.NewGenerationError("question is empty", nil)
	}
	if g.model == nil {
		return mockAnswer(question), nil
	}

	// Only the single best example is used for one question
	var best []model.Similar
	for _, e := range g.examples(ctx, []string{question}) {
		if len(best) == 0 || e.Distance > best[0].Distance {
			best = []model.Similar{e}
		}
	}

	raw, err := g.model.Generate(ctx, llm.Request{
		System:      g.systemPrompt(qType, cType, "Reply with the answer text only: no markdown, no headings, no restating the question."),
		Prompt:      renderExamples(best) + "Question: " + question,
		Temperature: llm.Temperature(answerTemperature),
	})
	if err != nil {
		return "", model.NewGenerationError("answer generation failed", err)
	}
	answer := strings.TrimSpace(llm.StripCodeFences(raw))
	if answer == "" {
		return "", model.NewGenerationError("generator returned an empty answer", nil)
	}
	return answer, nil
}

func (g *Generator) AnswerBatch(ctx context.Context, questions []string, qType model.QuestionnaireType, cType model.CustomerType) (map[string]string, error) {
	normalized := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = model.NormalizeQuestion(q); q != "" {
			normalized = append(normalized, q)
		}
	}
	if len(normalized) == 0 {
		return map[string]string{}, nil
	}
	if g.model == nil {
		out := make(map[string]string, len(normalized))
		for _, q := range normalized {
			out[q] = mockAnswer(q)
		}
		return out, nil
	}

	list, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	raw, err := g.model.Generate(ctx, llm.Request{
		System: g.systemPrompt(qType, cType,
			`Return ONLY a flat JSON object whose keys are the questions exactly as provided and whose values are the answer strings. Do not nest objects.`),
		Prompt:      renderExamples(g.examples(ctx, normalized)) + "Questions:\n" + string(list),
		JSON:        true,
		Temperature: llm.Temperature(batchTemperature),
	})
	if err != nil {
		return nil, model.NewGenerationError("batch answer generation failed", err)
	}
	return ParseBatchResponse(raw)
}

// ParseBatchResponse parses a flat question -> answer JSON object, tolerating code
// fences and list-valued answers (joined with newlines). Keys are normalized.
func ParseBatchResponse(raw string) (map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &fields); err != nil {
		return nil, model.NewMalformedResponseError("batch response is not a JSON object", err)
	}

	out := make(map[string]string, len(fields))
	for key, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			out[model.NormalizeQuestion(key)] = strings.TrimSpace(s)
			continue
		}
		var lines []string
		if err := json.Unmarshal(value, &lines); err == nil {
			out[model.NormalizeQuestion(key)] = strings.TrimSpace(strings.Join(lines, "\n"))
			continue
		}
		return nil, model.NewMalformedResponseError(fmt.Sprintf("answer for %q is not a string", truncate(key, 80)), nil)
	}
	return out, nil
}

func mockAnswer(question string) string {
	return "Mock answer - enable Gemini for real answers. (" + truncate(question, 60) + ")"
}
