package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/quizrag/internal/generation"
	"github.com/kalambet/quizrag/internal/llm"
	"github.com/kalambet/quizrag/internal/pipeline"
	"github.com/kalambet/quizrag/internal/prompt"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

// ReportStore records question reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r storage.QuestionReport) (storage.QuestionReport, error)
}

// MCPDeps holds dependencies for the MCP tool handlers.
type MCPDeps struct {
	Generator Generator
	Searcher  pipeline.Searcher
	Reports   ReportStore
	Version   string
}

// NewMCPServer creates an MCP server with the quizrag tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"quizrag",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("quizrag: search indexed course material and generate grounded quiz questions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_material",
			mcp.WithDescription("Semantically search indexed course material and return the most relevant chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("subject", mcp.Description("Restrict results to a subject ID")),
			mcp.WithString("topic_id", mcp.Description("Restrict results to a topic ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchMaterial(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_questions",
			mcp.WithDescription("Generate quiz questions grounded in the indexed material for a subject and topic."),
			mcp.WithString("topic", mcp.Description("Topic the questions are about"), mcp.Required()),
			mcp.WithString("subject", mcp.Description("Subject ID"), mcp.Required()),
			mcp.WithString("student_email", mcp.Description("Student the questions are for; selects the assigned model")),
			mcp.WithNumber("num_questions", mcp.Description("Number of questions (default 5)")),
			mcp.WithString("difficulty", mcp.Description("easy, medium or hard")),
			mcp.WithString("language", mcp.Description("es or en (default es)")),
			mcp.WithString("question_type", mcp.Description("multiple_choice, true_false or mixed")),
		),
		mcpGenerateQuestions(deps),
	)

	s.AddTool(
		mcp.NewTool("report_question",
			mcp.WithDescription("Report a generated question as wrong or unclear."),
			mcp.WithString("question_id", mcp.Description("ID of the question"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("What is wrong with it"), mcp.Required()),
			mcp.WithString("student_email", mcp.Description("Reporting student")),
		),
		mcpReportQuestion(deps),
	)

	return s
}

func mcpSearchMaterial(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		resp := deps.Searcher.Search(ctx, query, retrieval.Filters{
			SubjectID: req.GetString("subject", ""),
			TopicID:   req.GetString("topic_id", ""),
		}, retrieval.Options{Limit: limit, IncludeMetadata: true})
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateQuestions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		subject, err := req.RequireString("subject")
		if err != nil {
			return mcpError("subject is required"), nil
		}

		n := req.GetInt("num_questions", pipeline.DefaultNumQuestions)
		if n <= 0 || n > maxQuestionsPerRequest {
			return mcpError("num_questions must be between 1 and 50"), nil
		}

		res, err := deps.Generator.Generate(ctx, pipeline.Request{
			Language:     req.GetString("language", ""),
			Difficulty:   req.GetString("difficulty", ""),
			Topic:        topic,
			NumQuestions: n,
			StudentEmail: strings.ToLower(strings.TrimSpace(req.GetString("student_email", ""))),
			Subject:      subject,
			QuestionType: req.GetString("question_type", ""),
			Origin:       prompt.OriginStudent,
		})
		if err != nil {
			return mcpError(describeGenerationError(err)), nil
		}

		b, err := json.Marshal(generateResponse{
			Questions:        viewQuestions(res.Questions),
			Model:            res.Model,
			ABCTestingActive: res.ABCTestingActive,
			Grounded:         res.Grounded,
			PromptHash:       res.PromptHash,
			Retrieval:        res.Retrieval,
			ElapsedMs:        res.ElapsedMs,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal questions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReportQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("question_id")
		if err != nil {
			return mcpError("question_id is required"), nil
		}
		reason, err := req.RequireString("reason")
		if err != nil || strings.TrimSpace(reason) == "" {
			return mcpError("reason is required"), nil
		}

		rep, err := deps.Reports.SaveReport(ctx, storage.QuestionReport{
			QuestionID:   id,
			StudentEmail: strings.ToLower(strings.TrimSpace(req.GetString("student_email", ""))),
			Reason:       reason,
		})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("question %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save report: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded report %s for question %s", rep.ID, id)), nil
	}
}

func describeGenerationError(err error) string {
	var timeout *llm.TimeoutError
	var invocation *llm.InvocationError
	var invalid *generation.ValidationError
	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("model %s timed out", timeout.Model)
	case errors.As(err, &invocation):
		return fmt.Sprintf("model %s failed: %v", invocation.Model, invocation.Err)
	case errors.As(err, &invalid):
		return fmt.Sprintf("model returned invalid questions: %s", invalid.Reason)
	}
	return fmt.Sprintf("generation failed: %v", err)
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
