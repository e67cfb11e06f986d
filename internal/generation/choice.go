package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/quizrag/internal/storage"
)

// Choice is a raw answer option as the model wrote it: either a bare string
// or an object carrying its own text. Only PlainText and Scored implement it.
type Choice interface {
	text() string
}

// PlainText is a choice written as a JSON string.
type PlainText string

func (p PlainText) text() string { return string(p) }

// Scored is a choice written as {"text": ..., "isCorrect": ...}.
type Scored struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

func (s Scored) text() string { return s.Text }

// decodeChoice decodes one element of a "choices" array.
func decodeChoice(raw json.RawMessage) (Choice, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty choice")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return PlainText(s), nil
	case '{':
		var obj struct {
			Text      *string `json:"text"`
			Option    *string `json:"option"`
			IsCorrect bool    `json:"isCorrect"`
			Correct   bool    `json:"correct"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		sc := Scored{IsCorrect: obj.IsCorrect || obj.Correct}
		switch {
		case obj.Text != nil:
			sc.Text = *obj.Text
		case obj.Option != nil:
			sc.Text = *obj.Option
		default:
			return nil, fmt.Errorf("choice object has no text")
		}
		return sc, nil
	default:
		return nil, fmt.Errorf("choice must be a string or an object")
	}
}

// canonicalChoices converts decoded choices so that exactly the one at
// answer is correct.
func canonicalChoices(choices []Choice, answer int) ([]storage.Choice, error) {
	out := make([]storage.Choice, len(choices))
	for i, c := range choices {
		text := strings.TrimSpace(c.text())
		if text == "" {
			return nil, fmt.Errorf("choice %d is empty", i)
		}
		out[i] = storage.Choice{Text: text, IsCorrect: i == answer}
	}
	return out, nil
}

// flaggedCorrect returns the indices of Scored choices marked correct.
func flaggedCorrect(choices []Choice) []int {
	var out []int
	for i, c := range choices {
		if sc, ok := c.(Scored); ok && sc.IsCorrect {
			out = append(out, i)
		}
	}
	return out
}
