package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert loses a uniqueness race.
var ErrConflict = errors.New("conflict")

// Document statuses.
const (
	DocumentQueued  = "queued"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// Document is uploaded course material, already extracted to plain text.
type Document struct {
	ID         string
	SubjectID  string
	TopicID    string
	SubtopicID string
	Title      string
	Content    string
	Status     string
	ChunkCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Assignment records the model assigned to a student for a subject.
type Assignment struct {
	StudentEmail     string
	SubjectName      string
	AssignedModel    string
	ABCTestingActive bool
	PromptHash       string
	PromptText       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Choice is a canonical answer option.
type Choice struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question is a persisted generated question.
type Question struct {
	ID            string    `json:"id"`
	Text          string    `json:"question"`
	Type          string    `json:"type"`
	Difficulty    string    `json:"difficulty,omitempty"`
	Choices       []Choice  `json:"choices"`
	Explanation   string    `json:"explanation,omitempty"`
	SourceModel   string    `json:"sourceModel"`
	Generated     bool      `json:"generated"`
	Verified      bool      `json:"verified"`
	Subject       string    `json:"subject,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	StudentEmail  string    `json:"-"`
	PromptExcerpt string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// QuestionReport is a student's complaint about a generated question.
type QuestionReport struct {
	ID           string
	QuestionID   string
	StudentEmail string
	Reason       string
	CreatedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats counts rows per table.
type Stats struct {
	Documents   int `json:"documents"`
	Chunks      int `json:"chunks"`
	Assignments int `json:"assignments"`
	Questions   int `json:"questions"`
	Reports     int `json:"reports"`
	PendingJobs int `json:"pendingJobs"`
	FailedJobs  int `json:"failedJobs"`
}
