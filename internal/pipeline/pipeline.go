// Package pipeline runs the question-generation serving path: assignment,
// retrieval, prompt construction, generation and persistence.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/quizrag/internal/assignment"
	"github.com/kalambet/quizrag/internal/generation"
	"github.com/kalambet/quizrag/internal/prompt"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

// DefaultNumQuestions applies when a request leaves NumQuestions unset.
const DefaultNumQuestions = 5

// Assigner picks the model for a student. *assignment.Engine implements it.
type Assigner interface {
	Assign(ctx context.Context, student, subject string) (assignment.Decision, error)
	DefaultModel() string
	RecordPrompt(ctx context.Context, student, subject, hash, text string)
}

// Searcher retrieves grounding context. *retrieval.Retriever implements it.
type Searcher interface {
	Search(ctx context.Context, query string, f retrieval.Filters, opts retrieval.Options) retrieval.Response
}

// QuestionGenerator invokes the model and validates the reply.
type QuestionGenerator interface {
	Generate(ctx context.Context, model, prompt string, opts generation.Options) ([]generation.Question, error)
}

// QuestionStore persists generated questions.
type QuestionStore interface {
	SaveQuestions(ctx context.Context, qs []storage.Question) error
}

// Request is one generation call.
type Request struct {
	Language            string
	Difficulty          string
	Topic               string
	NumQuestions        int
	StudentEmail        string
	Subject             string
	TopicID             string
	SubtopicID          string
	IncludeExplanations bool
	QuestionType        string
	Origin              prompt.Origin
	// Model is honored for manager requests only.
	Model string
}

// Result is what the serving path returns on success.
type Result struct {
	Questions        []generation.Question
	Model            string
	ABCTestingActive bool
	Grounded         bool
	PromptHash       string
	Retrieval        retrieval.Stats
	ElapsedMs        int64
}

// Pipeline wires the serving-path components.
type Pipeline struct {
	assigner  Assigner
	searcher  Searcher
	builder   *prompt.Builder
	generator QuestionGenerator
	store     QuestionStore
	search    retrieval.Options
}

// New creates a Pipeline. search holds the retrieval options used to ground
// every prompt.
func New(assigner Assigner, searcher Searcher, builder *prompt.Builder, generator QuestionGenerator, store QuestionStore, search retrieval.Options) *Pipeline {
	return &Pipeline{
		assigner:  assigner,
		searcher:  searcher,
		builder:   builder,
		generator: generator,
		store:     store,
		search:    search,
	}
}

// Generate runs every stage in order. Assignment and retrieval problems
// degrade silently; invocation, validation and persistence errors are
// returned and nothing is stored.
func (p *Pipeline) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if req.NumQuestions <= 0 {
		req.NumQuestions = DefaultNumQuestions
	}
	if req.Origin == "" {
		req.Origin = prompt.OriginStudent
	}

	var res Result
	res.Model, res.ABCTestingActive = p.model(ctx, req)

	resp := p.searcher.Search(ctx, req.Topic, retrieval.Filters{
		SubjectID:  req.Subject,
		TopicID:    req.TopicID,
		SubtopicID: req.SubtopicID,
	}, p.search)
	res.Retrieval = resp.Stats
	res.Grounded = resp.HasContent

	blocks := make([]prompt.ContextBlock, 0, len(resp.Results))
	for _, r := range resp.Results {
		blocks = append(blocks, prompt.ContextBlock{Text: r.Text})
	}
	text := p.builder.Build(prompt.Params{
		Language:            req.Language,
		Difficulty:          req.Difficulty,
		Topic:               req.Topic,
		Subject:             req.Subject,
		NumQuestions:        req.NumQuestions,
		IncludeExplanations: req.IncludeExplanations,
		QuestionType:        req.QuestionType,
		Origin:              req.Origin,
	}, blocks)
	res.PromptHash = prompt.Hash(text)

	if req.Origin == prompt.OriginStudent && req.StudentEmail != "" {
		p.assigner.RecordPrompt(ctx, req.StudentEmail, req.Subject, res.PromptHash, text)
	}

	questions, err := p.generator.Generate(ctx, res.Model, text, generation.Options{
		Difficulty:   req.Difficulty,
		NumQuestions: req.NumQuestions,
	})
	if err != nil {
		return Result{}, err
	}
	for i := range questions {
		questions[i].Subject = req.Subject
		questions[i].Topic = req.Topic
		questions[i].StudentEmail = req.StudentEmail
	}
	if err := p.store.SaveQuestions(ctx, questions); err != nil {
		return Result{}, fmt.Errorf("saving questions: %w", err)
	}

	res.Questions = questions
	res.ElapsedMs = time.Since(start).Milliseconds()
	slog.Info("questions generated",
		"subject", req.Subject,
		"model", res.Model,
		"count", len(questions),
		"grounded", res.Grounded,
		"abc_testing", res.ABCTestingActive,
		"elapsed_ms", res.ElapsedMs,
	)
	return res, nil
}

// model resolves which LLM serves req. Manager requests bypass assignment.
func (p *Pipeline) model(ctx context.Context, req Request) (string, bool) {
	if req.Origin == prompt.OriginManager {
		if m := strings.TrimSpace(req.Model); m != "" {
			return m, false
		}
		return p.assigner.DefaultModel(), false
	}
	if req.StudentEmail == "" {
		return p.assigner.DefaultModel(), false
	}
	d, err := p.assigner.Assign(ctx, req.StudentEmail, req.Subject)
	if err != nil {
		slog.Warn("assignment failed, using default model", "subject", req.Subject, "error", err)
		return p.assigner.DefaultModel(), false
	}
	return d.Model, d.ABCTestingActive
}
