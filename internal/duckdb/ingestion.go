package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ragpack/internal/artifact"
)

// QuestionKey returns a fingerprint that identifies a question across runs.
func QuestionKey(record artifact.QuestionRecord) (string, error) {
	return artifact.FingerprintJSON(map[string]any{
		"id":       record.ID,
		"title":    record.Title,
		"category": record.Category,
	})
}

// InputsKey fingerprints the resolved inputs of a run.
func InputsKey(manifest *artifact.Manifest) (string, error) {
	return artifact.FingerprintJSON(manifest.Inputs)
}

// IngestRun writes one run and its questions in a single transaction. Rows
// already stored for the same run id are replaced.
func IngestRun(ctx context.Context, db *sql.DB, manifest *artifact.Manifest, records []artifact.QuestionRecord) error {
	if ctx == nil {
		return errors.New("duckdb: context is nil")
	}
	if db == nil {
		return errors.New("duckdb: db is nil")
	}
	if manifest == nil || manifest.RunID == "" {
		return errors.New("duckdb: manifest with run_id is required")
	}
	inputsKey, err := InputsKey(manifest)
	if err != nil {
		return fmt.Errorf("fingerprint inputs: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"citations", "issues", "preflight_steps", "questions", "runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", manifest.RunID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := insertRun(ctx, tx, manifest, inputsKey); err != nil {
		return err
	}
	for _, record := range records {
		if err := insertQuestion(ctx, tx, manifest.RunID, record); err != nil {
			return fmt.Errorf("ingest question %s: %w", record.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, m *artifact.Manifest, inputsKey string) error {
	var generated any
	if parsed, err := time.Parse(time.RFC3339, m.GeneratedAt); err == nil {
		generated = parsed.UTC()
	}
	var sha, branch any
	var dirty any
	if m.Repo != nil {
		sha = nullable(m.Repo.CommitSHA)
		branch = nullable(m.Repo.Branch)
		dirty = m.Repo.Dirty
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (
		  run_id, generated_at, schema_version, pack_path, pack_type, engine, pack_version,
		  backend, model, commit_sha, branch, dirty, score_ok, total_questions,
		  ok_percentage, fatal, cancelled, output_dir, inputs_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, generated, m.SchemaVersion, m.Pack.Path, m.Pack.PackType, m.Pack.Engine, m.Pack.Version,
		nullable(m.Tools.Backend), nullable(m.Tools.Model), sha, branch, dirty,
		m.Outputs.ScoreOK, m.Outputs.TotalQuestions, m.Outputs.OKPercentage,
		m.Outputs.Fatal, m.Outputs.Cancelled, m.Outputs.OutputDir, inputsKey,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func insertQuestion(ctx context.Context, tx *sql.Tx, runID string, q artifact.QuestionRecord) error {
	key, err := QuestionKey(q)
	if err != nil {
		return err
	}
	var topK any
	if q.TopK > 0 {
		topK = q.TopK
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO questions (
		  run_id, question_id, question_key, title, category, answer_mode, advice_mode,
		  prompt_mode, expected_verdict, verdict, ok, fatal, aborted, usable_blocks,
		  schema_retries, adaptive_reruns, advice_retries, model_calls, top_k
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, q.ID, key, q.Title, q.Category, q.AnswerMode, q.AdviceMode,
		nullable(q.PromptMode), nullable(q.ExpectedVerdict), nullable(q.Verdict),
		q.OK(), q.Fatal, nullable(q.Aborted), q.UsableBlocks,
		q.SchemaRetries, q.AdaptiveReruns, q.AdviceRetries, q.ModelCalls, topK,
	); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	for _, step := range q.Preflight {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO preflight_steps (
			  run_id, question_id, step, artifact, returncode, elapsed_ms, cached,
			  short_circuited, rows_before, rows_after, filtered_to_zero, starved
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, q.ID, step.Step, nullable(step.Artifact), step.ExitCode, step.ElapsedMS, step.Cached,
			step.ShortCircuited, step.RowsBefore, step.RowsAfter, step.FilteredToZero, step.Starved,
		); err != nil {
			return fmt.Errorf("insert preflight step %s: %w", step.Step, err)
		}
	}
	if err := insertIssues(ctx, tx, runID, q.ID, "answer", q.Issues); err != nil {
		return err
	}
	if err := insertIssues(ctx, tx, runID, q.ID, "advice", q.AdviceIssues); err != nil {
		return err
	}
	for i, token := range q.Citations {
		path, start, end := SplitCitation(token)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO citations (run_id, question_id, seq, token, path, line_start, line_end)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, q.ID, i, token, nullable(path), nullableInt(start), nullableInt(end),
		); err != nil {
			return fmt.Errorf("insert citation: %w", err)
		}
	}
	return nil
}

func insertIssues(ctx context.Context, tx *sql.Tx, runID, questionID, scope string, issues []artifact.Issue) error {
	for i, issue := range issues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO issues (run_id, question_id, scope, seq, kind, message) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, questionID, scope, i, issue.Kind, issue.Message,
		); err != nil {
			return fmt.Errorf("insert %s issue: %w", scope, err)
		}
	}
	return nil
}

// SplitCitation splits path:line or path:start-end. Tokens without a numeric
// line part return the whole token as path and zero lines.
func SplitCitation(token string) (path string, start, end int) {
	idx := strings.LastIndex(token, ":")
	if idx <= 0 {
		return token, 0, 0
	}
	path, lines := token[:idx], token[idx+1:]
	first, last, hasRange := strings.Cut(lines, "-")
	a, err := strconv.Atoi(first)
	if err != nil {
		return token, 0, 0
	}
	if !hasRange {
		return path, a, a
	}
	b, err := strconv.Atoi(last)
	if err != nil {
		return token, 0, 0
	}
	return path, a, b
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value int) any {
	if value <= 0 {
		return nil
	}
	return value
}
