package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/quizrag/internal/generation"
	"github.com/kalambet/quizrag/internal/llm"
	"github.com/kalambet/quizrag/internal/pipeline"
	"github.com/kalambet/quizrag/internal/prompt"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

// maxQuestionsPerRequest caps numQuestions.
const maxQuestionsPerRequest = 50

// GenerateRequest is the body of both generation endpoints. Model is only
// read on the manager route.
type GenerateRequest struct {
	Language            string `json:"language"`
	Difficulty          string `json:"difficulty"`
	Topic               string `json:"topic"`
	NumQuestions        int    `json:"numQuestions"`
	StudentEmail        string `json:"studentEmail"`
	Subject             string `json:"subject"`
	TopicID             string `json:"topicId"`
	SubtopicID          string `json:"subtopicId"`
	IncludeExplanations bool   `json:"includeExplanations"`
	QuestionType        string `json:"questionType"`
	Model               string `json:"model"`
}

type generateResponse struct {
	Questions        []questionView  `json:"questions"`
	Model            string          `json:"model"`
	ABCTestingActive bool            `json:"abcTestingActive"`
	Grounded         bool            `json:"grounded"`
	PromptHash       string          `json:"promptHash"`
	Retrieval        retrieval.Stats `json:"retrieval"`
	ElapsedMs        int64           `json:"elapsedMs"`
}

type questionView struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Type        string           `json:"type"`
	Difficulty  string           `json:"difficulty,omitempty"`
	Choices     []storage.Choice `json:"choices"`
	Explanation string           `json:"explanation,omitempty"`
	SourceModel string           `json:"sourceModel"`
	Generated   bool             `json:"generated"`
	Verified    bool             `json:"verified"`
	Subject     string           `json:"subject,omitempty"`
	Topic       string           `json:"topic,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func viewQuestion(q storage.Question) questionView {
	return questionView{
		ID:          q.ID,
		Question:    q.Text,
		Type:        q.Type,
		Difficulty:  q.Difficulty,
		Choices:     q.Choices,
		Explanation: q.Explanation,
		SourceModel: q.SourceModel,
		Generated:   q.Generated,
		Verified:    q.Verified,
		Subject:     q.Subject,
		Topic:       q.Topic,
		CreatedAt:   q.CreatedAt,
	}
}

func viewQuestions(qs []storage.Question) []questionView {
	out := make([]questionView, len(qs))
	for i, q := range qs {
		out[i] = viewQuestion(q)
	}
	return out
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return generateHandler(deps, prompt.OriginStudent)
}

func handleManagerGenerate(deps Deps) http.HandlerFunc {
	return generateHandler(deps, prompt.OriginManager)
}

func generateHandler(deps Deps, origin prompt.Origin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if msg := validateGenerate(req); msg != "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", msg)
			return
		}

		preq := pipeline.Request{
			Language:            req.Language,
			Difficulty:          req.Difficulty,
			Topic:               req.Topic,
			NumQuestions:        req.NumQuestions,
			StudentEmail:        strings.ToLower(strings.TrimSpace(req.StudentEmail)),
			Subject:             req.Subject,
			TopicID:             req.TopicID,
			SubtopicID:          req.SubtopicID,
			IncludeExplanations: req.IncludeExplanations,
			QuestionType:        req.QuestionType,
			Origin:              origin,
		}
		if origin == prompt.OriginManager {
			preq.Model = req.Model
		}

		res, err := deps.Generator.Generate(r.Context(), preq)
		if err != nil {
			writeGenerationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, generateResponse{
			Questions:        viewQuestions(res.Questions),
			Model:            res.Model,
			ABCTestingActive: res.ABCTestingActive,
			Grounded:         res.Grounded,
			PromptHash:       res.PromptHash,
			Retrieval:        res.Retrieval,
			ElapsedMs:        res.ElapsedMs,
		})
	}
}

func validateGenerate(req GenerateRequest) string {
	switch {
	case strings.TrimSpace(req.Topic) == "":
		return "topic is required"
	case strings.TrimSpace(req.Subject) == "":
		return "subject is required"
	case req.NumQuestions < 0 || req.NumQuestions > maxQuestionsPerRequest:
		return "numQuestions must be between 1 and 50"
	}
	switch req.QuestionType {
	case "", prompt.TypeMultipleChoice, prompt.TypeTrueFalse, prompt.TypeMixed:
	default:
		return "unknown questionType " + req.QuestionType
	}
	return ""
}

// writeGenerationError maps serving-path failures onto HTTP statuses.
func writeGenerationError(w http.ResponseWriter, err error) {
	var timeout *llm.TimeoutError
	var invocation *llm.InvocationError
	var invalid *generation.ValidationError

	switch {
	case errors.As(err, &timeout):
		httpErrorFields(w, http.StatusGatewayTimeout, "timeout_error",
			map[string]any{"model": timeout.Model}, "%v", err)
	case errors.As(err, &invocation):
		extra := map[string]any{"model": invocation.Model}
		if invocation.StatusCode != 0 {
			extra["upstreamStatus"] = invocation.StatusCode
		}
		httpErrorFields(w, http.StatusBadGateway, "llm_error", extra, "%v", err)
	case errors.As(err, &invalid):
		httpErrorFields(w, http.StatusBadGateway, "invalid_llm_output",
			map[string]any{"questionIndex": invalid.Index}, "%v", err)
	default:
		slog.Error("question generation failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "generation failed: %v", err)
	}
}

func handleListQuestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		qs, err := deps.Store.ListQuestions(r.Context(), storage.QuestionFilter{
			Subject:      q.Get("subject"),
			Topic:        q.Get("topic"),
			SourceModel:  q.Get("model"),
			StudentEmail: q.Get("student"),
			Limit:        parseIntParam(r, "limit", 50, 200),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list questions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewQuestions(qs))
	}
}

func handleReportQuestion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			StudentEmail string `json:"studentEmail"`
			Reason       string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reason is required")
			return
		}

		rep, err := deps.Store.SaveReport(r.Context(), storage.QuestionReport{
			QuestionID:   chi.URLParam(r, "id"),
			StudentEmail: strings.ToLower(strings.TrimSpace(req.StudentEmail)),
			Reason:       req.Reason,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "question not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save report: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"id": rep.ID, "questionId": rep.QuestionID})
	}
}

type assignmentView struct {
	StudentEmail     string    `json:"studentEmail"`
	Subject          string    `json:"subject"`
	Model            string    `json:"model"`
	ABCTestingActive bool      `json:"abcTestingActive"`
	PromptHash       string    `json:"promptHash,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func handleListAssignments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		student := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("student")))
		as, err := deps.Store.ListAssignments(r.Context(), r.URL.Query().Get("subject"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list assignments: %v", err)
			return
		}
		out := []assignmentView{}
		for _, a := range as {
			if student != "" && a.StudentEmail != student {
				continue
			}
			out = append(out, assignmentView{
				StudentEmail:     a.StudentEmail,
				Subject:          a.SubjectName,
				Model:            a.AssignedModel,
				ABCTestingActive: a.ABCTestingActive,
				PromptHash:       a.PromptHash,
				UpdatedAt:        a.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
