// Package prompt renders the question-generation prompt sent to the LLM.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxContextChars bounds the grounding context injected into a prompt.
const DefaultMaxContextChars = 6000

// Question types accepted in Params.QuestionType.
const (
	TypeMultipleChoice = "multiple_choice"
	TypeTrueFalse      = "true_false"
	TypeMixed          = "mixed"
)

// Origin identifies who triggered generation.
type Origin string

const (
	OriginStudent Origin = "student"
	OriginManager Origin = "manager"
)

// Params are the template inputs.
type Params struct {
	Language            string
	Difficulty          string
	Topic               string
	Subject             string
	NumQuestions        int
	IncludeExplanations bool
	QuestionType        string
	Origin              Origin
}

// ContextBlock is one piece of retrieved course material.
type ContextBlock struct {
	Text   string
	Source string
}

// Builder assembles prompts from Params and optional grounding context.
type Builder struct {
	MaxContextChars int
}

// New creates a Builder. If maxContextChars <= 0, DefaultMaxContextChars
// is used.
func New(maxContextChars int) *Builder {
	if maxContextChars <= 0 {
		maxContextChars = DefaultMaxContextChars
	}
	return &Builder{MaxContextChars: maxContextChars}
}

// Build renders the prompt. The output is a pure function of its inputs.
// A non-empty context is placed before the instruction inside delimiters.
func (b *Builder) Build(p Params, context []ContextBlock) string {
	t := templateFor(p.Language)
	if p.NumQuestions <= 0 {
		p.NumQuestions = 5
	}
	if p.Origin == "" {
		p.Origin = OriginStudent
	}

	var sb strings.Builder
	if ctx := b.joinContext(context); ctx != "" {
		sb.WriteString(t.contextOpen)
		sb.WriteString("\n")
		sb.WriteString(ctx)
		sb.WriteString("\n")
		sb.WriteString(t.contextClose)
		sb.WriteString("\n\n")
		sb.WriteString(t.groundingRule)
		sb.WriteString("\n\n")
	}

	sb.WriteString(t.audience[p.Origin])
	sb.WriteString("\n")
	fmt.Fprintf(&sb, t.task, p.NumQuestions, t.typeLabel(p.QuestionType), p.Topic)
	if p.Subject != "" {
		fmt.Fprintf(&sb, t.subject, p.Subject)
	}
	sb.WriteString(".\n")
	if p.Difficulty != "" {
		fmt.Fprintf(&sb, t.difficulty, p.Difficulty)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(t.format)
	sb.WriteString("\n")
	sb.WriteString(schema(p.IncludeExplanations))
	sb.WriteString("\n")
	sb.WriteString(t.rules)
	if p.IncludeExplanations {
		sb.WriteString("\n")
		sb.WriteString(t.explanations)
	}
	return sb.String()
}

// joinContext concatenates blocks in order and cuts the result to the
// character budget.
func (b *Builder) joinContext(blocks []ContextBlock) string {
	var parts []string
	for _, blk := range blocks {
		text := strings.TrimSpace(blk.Text)
		if text == "" {
			continue
		}
		if blk.Source != "" {
			text = "[" + blk.Source + "]\n" + text
		}
		parts = append(parts, text)
	}
	return Truncate(strings.Join(parts, "\n\n"), b.MaxContextChars)
}

// Truncate cuts s to at most max runes, backing up to the last whitespace
// and appending "…". The marker counts toward max.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := max - 1
	for i := cut; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + "…"
}

// Hash returns the hex SHA-256 of prompt.
func Hash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func schema(explanations bool) string {
	if explanations {
		return `{"questions":[{"question":"...","type":"multiple_choice","choices":["...","...","...","..."],"answer":0,"explanation":"..."}]}`
	}
	return `{"questions":[{"question":"...","type":"multiple_choice","choices":["...","...","...","..."],"answer":0}]}`
}
