package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/quizrag/internal/api"
	"github.com/kalambet/quizrag/internal/assignment"
	"github.com/kalambet/quizrag/internal/config"
	"github.com/kalambet/quizrag/internal/ingest"
	"github.com/kalambet/quizrag/internal/pipeline"
	"github.com/kalambet/quizrag/internal/prompt"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

// loadApp loads config and wires components for a one-shot local command.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)
	return newApp(ctx, cfg)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index extracted course material",
	Long: `Index extracted course material.

By default the document is stored and indexed in-process. With --server the
document is uploaded to a running quizrag server, which indexes it in the
background.

Examples:
  quizrag ingest --subject PRG --topic bucles --file ./tema3.txt
  quizrag ingest --subject PRG --text "Un bucle repite instrucciones..." --title "Bucles"
  quizrag ingest --subject PRG --file ./tema3.txt --server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		useServer, _ := cmd.Flags().GetBool("server")

		req := api.DocumentRequest{}
		req.SubjectID, _ = cmd.Flags().GetString("subject")
		req.TopicID, _ = cmd.Flags().GetString("topic")
		req.SubtopicID, _ = cmd.Flags().GetString("subtopic")
		req.Title, _ = cmd.Flags().GetString("title")

		if req.SubjectID == "" {
			return fmt.Errorf("--subject is required")
		}
		switch {
		case text != "":
			req.Content = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req.Content = string(data)
			if req.Title == "" {
				req.Title = filepath.Base(file)
			}
		default:
			return fmt.Errorf("one of --text or --file is required")
		}

		if useServer {
			return ingestRemote(cmd.Context(), req)
		}
		return ingestLocal(cmd.Context(), req)
	},
}

func ingestRemote(ctx context.Context, req api.DocumentRequest) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, "/api/documents", req)
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Queued document %s", result["id"])
	return nil
}

func ingestLocal(ctx context.Context, req api.DocumentRequest) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.probeRuntime(ctx, os.Stderr); err != nil {
		return err
	}

	doc := storage.Document{
		ID:         uuid.New().String(),
		SubjectID:  req.SubjectID,
		TopicID:    req.TopicID,
		SubtopicID: req.SubtopicID,
		Title:      req.Title,
		Content:    req.Content,
	}
	if err := a.store.SaveDocument(ctx, doc); err != nil {
		return err
	}
	if _, err := ingest.Enqueue(ctx, a.store, doc.ID); err != nil {
		return err
	}

	printStep("Indexing %s...", doc.ID)
	if _, err := a.worker.Drain(ctx); err != nil {
		return err
	}

	indexed, err := a.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	switch indexed.Status {
	case storage.DocumentIndexed:
		printSuccess("Indexed document %s (%d chunks)", doc.ID, indexed.ChunkCount)
		return nil
	case storage.DocumentFailed:
		return fmt.Errorf("indexing %s failed: %s", doc.ID, indexed.LastError)
	default:
		printWarning("Document %s is %s and will be retried by the server: %s", doc.ID, indexed.Status, indexed.LastError)
		return nil
	}
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to index")
	ingestCmd.Flags().String("file", "", "path of an extracted text file")
	ingestCmd.Flags().String("title", "", "document title")
	ingestCmd.Flags().String("subject", "", "subject ID (required)")
	ingestCmd.Flags().String("topic", "", "topic ID")
	ingestCmd.Flags().String("subtopic", "", "subtopic ID")
	ingestCmd.Flags().Bool("server", false, "upload to a running server instead of indexing in-process")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed material",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		var threshold *float64
		if cmd.Flags().Changed("threshold") {
			v, _ := cmd.Flags().GetFloat64("threshold")
			threshold = retrieval.Threshold(v)
		}
		rerank, _ := cmd.Flags().GetBool("rerank")
		var f retrieval.Filters
		f.SubjectID, _ = cmd.Flags().GetString("subject")
		f.TopicID, _ = cmd.Flags().GetString("topic")

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		resp := a.retriever.Search(ctx, query, f, retrieval.Options{
			Limit:           limit,
			Threshold:       threshold,
			Rerank:          rerank,
			IncludeMetadata: true,
		})
		printSearch(os.Stdout, resp)
		return nil
	},
}

func printSearch(w io.Writer, resp retrieval.Response) {
	if !resp.HasContent {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range resp.Results {
		score := fmt.Sprintf("similarity: %.3f", r.Similarity)
		if r.RerankedScore != nil {
			score += fmt.Sprintf(", reranked: %.3f", *r.RerankedScore)
		}
		fmt.Fprintf(w, "\n%s [%s]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), score)
		if r.Metadata != nil && r.Metadata.SectionTitle != "" {
			fmt.Fprintf(w, "  Section: %s\n", r.Metadata.SectionTitle)
		}
		fmt.Fprintf(w, "  %s\n", prompt.Truncate(r.Text, 500))
	}
	fmt.Fprintf(w, "\n%d of %d chunks above %.2f (%d ms)\n",
		resp.Stats.Returned, resp.Stats.TotalIndexed, resp.Stats.Threshold, resp.Stats.ElapsedMs)
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default from config)")
	searchCmd.Flags().Float64("threshold", 0, "minimum similarity (default from config)")
	searchCmd.Flags().Bool("rerank", false, "rerank results")
	searchCmd.Flags().String("subject", "", "restrict to a subject ID")
	searchCmd.Flags().String("topic", "", "restrict to a topic ID")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate quiz questions in-process and print them as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req := pipeline.Request{Origin: prompt.OriginStudent}
		req.Topic, _ = cmd.Flags().GetString("topic")
		req.Subject, _ = cmd.Flags().GetString("subject")
		req.StudentEmail, _ = cmd.Flags().GetString("student")
		req.NumQuestions, _ = cmd.Flags().GetInt("num")
		req.Difficulty, _ = cmd.Flags().GetString("difficulty")
		req.Language, _ = cmd.Flags().GetString("language")
		req.QuestionType, _ = cmd.Flags().GetString("type")
		req.IncludeExplanations, _ = cmd.Flags().GetBool("explanations")
		if model, _ := cmd.Flags().GetString("model"); model != "" {
			req.Origin = prompt.OriginManager
			req.Model = model
		}
		req.StudentEmail = strings.ToLower(strings.TrimSpace(req.StudentEmail))

		if req.Topic == "" || req.Subject == "" {
			return fmt.Errorf("--topic and --subject are required")
		}

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.pipeline.Generate(ctx, req)
		if err != nil {
			return err
		}
		if !res.Grounded {
			printWarning("No indexed material matched; questions are not grounded")
		}
		printStatus("Model", "%s (A/B testing: %v)", res.Model, res.ABCTestingActive)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Questions)
	},
}

func init() {
	generateCmd.Flags().String("topic", "", "topic of the questions (required)")
	generateCmd.Flags().String("subject", "", "subject ID (required)")
	generateCmd.Flags().String("student", "", "student email; selects the assigned model")
	generateCmd.Flags().Int("num", pipeline.DefaultNumQuestions, "number of questions")
	generateCmd.Flags().String("difficulty", "medium", "easy, medium or hard")
	generateCmd.Flags().String("language", "es", "es or en")
	generateCmd.Flags().String("type", prompt.TypeMultipleChoice, "multiple_choice, true_false or mixed")
	generateCmd.Flags().Bool("explanations", false, "ask for an explanation per question")
	generateCmd.Flags().String("model", "", "generate as a manager with this model, bypassing assignment")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage documents on a running server",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/documents?subject=%s&limit=%d", subject, limit))
		if err != nil {
			return err
		}
		var docs []struct {
			ID         string `json:"id"`
			SubjectID  string `json:"subjectId"`
			Title      string `json:"title"`
			Status     string `json:"status"`
			ChunkCount int    `json:"chunkCount"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-8s %-8s %4d chunks  %s\n",
				colorize(colorCyan, shortID(d.ID)), d.SubjectID, d.Status, d.ChunkCount, d.Title)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/documents/"+args[0])
		if err != nil {
			return err
		}
		var result struct {
			ChunksRemoved int `json:"chunksRemoved"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted document %s (%d chunks)", args[0], result.ChunksRemoved)
		return nil
	},
}

var documentsReindexCmd = &cobra.Command{
	Use:   "reindex <id>",
	Short: "Queue a document for re-indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/documents/"+args[0]+"/reindex", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued document %s for re-indexing", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("subject", "", "restrict to a subject ID")
	documentsListCmd.Flags().Int("limit", 100, "maximum number of documents")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
	documentsCmd.AddCommand(documentsReindexCmd)
}

// --- variants ---

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "Inspect A/B model variants",
}

var variantsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a variants YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaultModel, _ := cmd.Flags().GetString("default-model")
		cfg, err := assignment.LoadVariants(args[0], defaultModel)
		if err != nil {
			return err
		}
		printVariants(cmd.OutOrStdout(), cfg)
		printSuccess("%s is valid (%d subjects)", args[0], len(cfg.Subjects))
		return nil
	},
}

func printVariants(w io.Writer, cfg *assignment.Config) {
	fmt.Fprintf(w, "default model: %s\n", cfg.DefaultModel)
	for _, s := range cfg.Subjects {
		priority := "weighted"
		switch {
		case s.CostPriority:
			priority = "cost"
		case s.FewerReportedPriority:
			priority = "fewer-reported"
		}
		fmt.Fprintf(w, "%s  %s..%s  %s  keepModel=%v\n",
			s.SubjectKey, s.FromDate.Format("2006-01-02"), s.ToDate.Format("2006-01-02"), priority, s.KeepModel)
		for _, v := range s.Variants {
			fmt.Fprintf(w, "    %-32s weight=%g cost=%g\n", v.Model, v.Weight, v.Cost)
		}
	}
}

func init() {
	variantsValidateCmd.Flags().String("default-model", "gpt-4o-mini", "default model used when the file omits defaultModel")
	variantsCmd.AddCommand(variantsValidateCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (llm.api_key, server.api_token)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
