// Package generation turns an LLM reply into validated quiz questions.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/quizrag/internal/llm"
	"github.com/kalambet/quizrag/internal/storage"
)

// Question is a validated generated question.
type Question = storage.Question

// Question types.
const (
	TypeMultipleChoice = "multiple_choice"
	TypeTrueFalse      = "true_false"
)

// Canonical true/false choice texts.
const (
	TrueText  = "Verdadero"
	FalseText = "Falso"
)

// PromptExcerptRunes is how much of the prompt is kept as provenance.
const PromptExcerptRunes = 500

// ValidationError rejects a whole batch. Index is the offending question,
// or -1 when the envelope itself is malformed.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid LLM output: " + e.Reason
	}
	return fmt.Sprintf("invalid LLM output: question %d: %s", e.Index, e.Reason)
}

// Options carry request fields copied onto every question.
type Options struct {
	Difficulty   string
	NumQuestions int
}

// Generator invokes a model and validates its reply.
type Generator struct {
	invoker llm.Invoker
}

// New creates a Generator.
func New(invoker llm.Invoker) *Generator {
	return &Generator{invoker: invoker}
}

// Generate sends prompt to model and returns the validated questions with
// provenance attached. Invocation errors are returned unchanged so callers
// can match *llm.InvocationError and *llm.TimeoutError.
func (g *Generator) Generate(ctx context.Context, model, prompt string, opts Options) ([]Question, error) {
	raw, err := g.invoker.Invoke(ctx, model, prompt)
	if err != nil {
		return nil, err
	}

	questions, err := parse(raw, model)
	if err != nil {
		slog.Warn("rejected LLM output", "model", model, "error", err)
		return nil, err
	}
	if opts.NumQuestions > 0 && len(questions) != opts.NumQuestions {
		slog.Info("question count differs from request", "model", model, "requested", opts.NumQuestions, "got", len(questions))
	}

	excerpt := excerpt(prompt, PromptExcerptRunes)
	for i := range questions {
		q := &questions[i]
		q.SourceModel = model
		q.PromptExcerpt = excerpt
		q.Generated = true
		q.Verified = false
		if opts.Difficulty != "" {
			q.Difficulty = opts.Difficulty
		}
	}
	return questions, nil
}

type rawQuestion struct {
	Question    string            `json:"question"`
	Text        string            `json:"text"`
	Type        string            `json:"type"`
	Difficulty  string            `json:"difficulty"`
	Choices     []json.RawMessage `json:"choices"`
	Answer      json.RawMessage   `json:"answer"`
	Explanation string            `json:"explanation"`
}

// Parse cleans and validates a raw model reply. The top level may be
// {"questions": [...]} or a bare array.
func Parse(raw string) ([]Question, error) {
	return parse(raw, "")
}

func parse(raw, model string) ([]Question, error) {
	cleaned := Clean(raw)
	if cleaned == "" {
		return nil, &ValidationError{Index: -1, Reason: "no JSON found in response"}
	}

	var items []json.RawMessage
	if cleaned[0] == '[' {
		if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
			return nil, &ValidationError{Index: -1, Reason: "malformed JSON: " + err.Error()}
		}
	} else {
		var env struct {
			Questions []json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
			return nil, &ValidationError{Index: -1, Reason: "malformed JSON: " + err.Error()}
		}
		items = env.Questions
	}
	if len(items) == 0 {
		return nil, &ValidationError{Index: -1, Reason: "questions array is missing or empty"}
	}

	out := make([]Question, 0, len(items))
	for i, item := range items {
		q, reason := validate(item, i, model)
		if reason != "" {
			return nil, &ValidationError{Index: i, Reason: reason}
		}
		out = append(out, q)
	}
	return out, nil
}

// validate returns a non-empty reason when item is unacceptable.
func validate(item json.RawMessage, index int, model string) (Question, string) {
	var rq rawQuestion
	if err := json.Unmarshal(item, &rq); err != nil {
		return Question{}, "malformed question: " + err.Error()
	}

	text := strings.TrimSpace(rq.Question)
	if text == "" {
		text = strings.TrimSpace(rq.Text)
	}
	if text == "" {
		return Question{}, "question text is empty"
	}

	answer, ok := parseAnswer(rq.Answer)
	if !ok {
		return Question{}, "answer must be an integer index"
	}

	q := Question{
		Text:        text,
		Difficulty:  strings.TrimSpace(rq.Difficulty),
		Explanation: strings.TrimSpace(rq.Explanation),
	}

	switch typ := strings.ToLower(strings.TrimSpace(rq.Type)); typ {
	case TypeTrueFalse:
		if answer != 0 && answer != 1 {
			return Question{}, fmt.Sprintf("true_false answer %d out of range", answer)
		}
		q.Type = TypeTrueFalse
		q.Choices = []storage.Choice{
			{Text: TrueText, IsCorrect: answer == 0},
			{Text: FalseText, IsCorrect: answer == 1},
		}
	case "", TypeMultipleChoice:
		if len(rq.Choices) < 2 {
			return Question{}, fmt.Sprintf("multiple_choice needs at least 2 choices, got %d", len(rq.Choices))
		}
		if answer < 0 || answer >= len(rq.Choices) {
			return Question{}, fmt.Sprintf("answer %d out of range for %d choices", answer, len(rq.Choices))
		}
		decoded := make([]Choice, len(rq.Choices))
		for j, rc := range rq.Choices {
			c, err := decodeChoice(rc)
			if err != nil {
				return Question{}, fmt.Sprintf("choice %d: %v", j, err)
			}
			decoded[j] = c
		}
		choices, err := canonicalChoices(decoded, answer)
		if err != nil {
			return Question{}, err.Error()
		}
		if flagged := flaggedCorrect(decoded); len(flagged) > 0 && (len(flagged) != 1 || flagged[0] != answer) {
			slog.Warn("choice isCorrect flags disagree with answer",
				"model", model, "question", index, "answer", answer, "flagged", flagged)
		}
		q.Type = TypeMultipleChoice
		q.Choices = choices
	default:
		return Question{}, fmt.Sprintf("unknown question type %q", typ)
	}
	return q, ""
}

// parseAnswer accepts a JSON number with an integral value.
func parseAnswer(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Clean strips Markdown code fences and anything outside the JSON payload.
// Each opening bracket is tried in order, spanning to the last matching
// closer, and the first span that is valid JSON wins. When none is valid
// the first span is returned so the caller reports the syntax error. It
// returns "" when no object or array is present.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	first := ""
	for i := 0; i < len(s); i++ {
		var closer string
		switch s[i] {
		case '{':
			closer = "}"
		case '[':
			closer = "]"
		default:
			continue
		}
		end := strings.LastIndex(s, closer)
		if end <= i {
			continue
		}
		span := s[i : end+1]
		if json.Valid([]byte(span)) {
			return span
		}
		if first == "" {
			first = span
		}
	}
	return first
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
