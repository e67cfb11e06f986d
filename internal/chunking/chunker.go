// Package chunking splits extracted document text into overlapping,
// metadata-tagged chunks suitable for embedding and retrieval.
package chunking

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultChunkSize is the default maximum number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of characters carried over
// from the previous chunk.
const DefaultChunkOverlap = 200

// DocumentRef identifies the document a chunk was cut from, together with
// the course coordinates used as retrieval filters.
type DocumentRef struct {
	DocumentID string `json:"documentId"`
	SubjectID  string `json:"subjectId,omitempty"`
	TopicID    string `json:"topicId,omitempty"`
	SubtopicID string `json:"subtopicId,omitempty"`
}

// Chunk is a bounded slice of a document. Text includes the overlap prefix
// taken from the previous chunk; Body is the chunk's own, non-overlapping
// text.
type Chunk struct {
	ID            string      `json:"id"`
	Text          string      `json:"text"`
	Body          string      `json:"-"`
	Index         int         `json:"index"`
	CharCount     int         `json:"charCount"`
	WordCount     int         `json:"wordCount"`
	SentenceCount int         `json:"sentenceCount"`
	IsHeading     bool        `json:"isHeading"`
	IsList        bool        `json:"isList"`
	SectionTitle  string      `json:"sectionTitle,omitempty"`
	DocumentRef   DocumentRef `json:"documentRef"`
}

// Chunker splits text by paragraph, then sentence, then word.
type Chunker struct {
	chunkSize int
	overlap   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the target chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

// ChunkSize returns the configured target size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split is a convenience wrapper around New(...).Chunk.
func Split(text string, targetSize, overlap int, ref DocumentRef) []Chunk {
	return New(WithChunkSize(targetSize), WithOverlap(overlap)).Chunk(text, ref)
}

// Chunk splits text into chunks tagged with ref. Empty input yields nil.
func (c *Chunker) Chunk(text string, ref DocumentRef) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var bodies []string
	if runeLen(trimmed) <= c.chunkSize {
		bodies = []string{trimmed}
	} else {
		bodies = c.pack(splitUnits(trimmed, c.chunkSize))
	}

	chunks := make([]Chunk, 0, len(bodies))
	section := ""
	for i, body := range bodies {
		text := body
		if i > 0 {
			text = c.withOverlap(bodies[i-1], body)
		}
		if title := firstHeading(body); title != "" {
			section = title
		}
		chunks = append(chunks, Chunk{
			ID:            uuid.New().String(),
			Text:          text,
			Body:          body,
			Index:         i,
			CharCount:     runeLen(text),
			WordCount:     len(strings.Fields(text)),
			SentenceCount: len(splitSentences(body)),
			IsHeading:     isHeading(body),
			IsList:        isList(body),
			SectionTitle:  section,
			DocumentRef:   ref,
		})
	}
	return chunks
}

// unit is an indivisible piece of text produced by splitUnits. paraStart
// marks the first unit of a paragraph so packing can restore the break.
type unit struct {
	text      string
	paraStart bool
}

// splitUnits descends paragraph → sentence → word, only splitting a piece
// further when it exceeds size.
func splitUnits(text string, size int) []unit {
	var units []unit
	for _, para := range splitParagraphs(text) {
		if runeLen(para) <= size {
			units = append(units, unit{text: para, paraStart: true})
			continue
		}
		first := true
		for _, sentence := range splitSentences(para) {
			if runeLen(sentence) <= size {
				units = append(units, unit{text: sentence, paraStart: first})
				first = false
				continue
			}
			for _, word := range strings.Fields(sentence) {
				units = append(units, unit{text: word, paraStart: first})
				first = false
			}
		}
	}
	return units
}

// pack accumulates units into bodies no longer than chunkSize. A single
// unit longer than chunkSize (an oversized word) becomes its own body.
func (c *Chunker) pack(units []unit) []string {
	var bodies []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			bodies = append(bodies, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, u := range units {
		sep := " "
		if u.paraStart {
			sep = "\n\n"
		}
		ulen := runeLen(u.text)
		if bufLen > 0 && bufLen+len(sep)+ulen > c.chunkSize {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString(sep)
			bufLen += len(sep)
		}
		buf.WriteString(u.text)
		bufLen += ulen
	}
	flush()
	return bodies
}

// withOverlap prefixes body with trailing words of prev, at most c.overlap
// characters, without pushing the result past the chunk size.
func (c *Chunker) withOverlap(prev, body string) string {
	if c.overlap == 0 {
		return body
	}
	words := strings.Fields(prev)
	start := len(words)
	total := 0
	for start > 0 {
		w := runeLen(words[start-1])
		next := total + w
		if total > 0 {
			next++
		}
		if next > c.overlap {
			break
		}
		total = next
		start--
	}
	tail := words[start:]

	bodyLen := runeLen(body)
	for len(tail) > 0 && total+1+bodyLen > c.chunkSize {
		total -= runeLen(tail[0])
		if len(tail) > 1 {
			total--
		}
		tail = tail[1:]
	}
	if len(tail) == 0 {
		return body
	}
	return strings.Join(tail, " ") + " " + body
}

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var paras []string
	var cur []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				paras = append(paras, strings.TrimSpace(strings.Join(cur, "\n")))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, strings.TrimSpace(strings.Join(cur, "\n")))
	}
	return paras
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 < len(runes) && isSpace(runes[i+1]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == '\f' || r == '\v'
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
