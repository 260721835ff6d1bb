package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ragpack/internal/answer"
	"ragpack/internal/artifact"
	"ragpack/internal/contract"
	"ragpack/internal/evidence"
	"ragpack/internal/preflight"
	"ragpack/internal/prompt"
	"ragpack/internal/spec"
)

// questionState is a state of the per-question machine:
// NotStarted -> EvidenceReady -> (Deterministic | Gated | ModelCalled) ->
// Answered -> AdviceOptional -> Done, with EvidenceReady -> Aborted -> Done
// when an evidence gate trips.
type questionState int

const (
	stateNotStarted questionState = iota
	stateEvidenceReady
	stateDeterministic
	stateGated
	stateModelCalled
	stateAnswered
	stateAdviceOptional
	stateAborted
	stateDone
)

func (s questionState) String() string {
	switch s {
	case stateNotStarted:
		return "not_started"
	case stateEvidenceReady:
		return "evidence_ready"
	case stateDeterministic:
		return "deterministic"
	case stateGated:
		return "evidence_empty_gated"
	case stateModelCalled:
		return "model_called"
	case stateAnswered:
		return "answered"
	case stateAdviceOptional:
		return "advice_optional"
	case stateAborted:
		return "aborted"
	default:
		return "done"
	}
}

// Abort reasons recorded on a question.
const (
	abortEvidenceEmpty  = "evidence_empty"
	abortFilteredToZero = "filtered_to_zero"
	abortRuntime        = "runtime_error"
)

// kindRuntime marks an issue raised by a failed read or write rather than
// by the answer itself.
const kindRuntime = "runtime"

// questionRun carries one question through the state machine.
type questionRun struct {
	r       *run
	index   int
	q       spec.Question
	started time.Time
	logger  *zap.Logger

	record   artifact.QuestionRecord
	steps    []preflight.StepResult
	evidence evidence.Result
	universe *contract.Universe
	rules    contract.Rules

	text string
	chat answer.Record
}

func (r *run) question(ctx context.Context, index int, q spec.Question) (artifact.QuestionRecord, error) {
	qr := &questionRun{
		r:       r,
		index:   index,
		q:       q,
		started: time.Now(),
		logger:  r.logger.With(zap.String("qid", q.ID)),
		record: artifact.QuestionRecord{
			ID:              q.ID,
			Title:           q.Title,
			Category:        q.Category,
			AnswerMode:      q.AnswerMode,
			AdviceMode:      q.AdviceMode,
			ExpectedVerdict: q.ExpectedVerdict,
		},
		rules: contract.RulesFromPack(r.pack.Validation),
	}
	r.logVerbose(styleQuestion, "question %s: %s", q.ID, q.Title)

	state := stateNotStarted
	for state != stateDone {
		if err := ctx.Err(); err != nil {
			return qr.record, err
		}
		next, err := qr.step(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return qr.record, err
			}
			qr.fail(state, err)
			break
		}
		qr.logger.Debug("question.state", zap.Stringer("from", state), zap.Stringer("to", next))
		state = next
	}
	qr.record.Artifacts = qr.artifacts()
	qr.finish()
	return qr.record, nil
}

func (qr *questionRun) step(ctx context.Context, state questionState) (questionState, error) {
	switch state {
	case stateNotStarted:
		return qr.collectEvidence(ctx)
	case stateEvidenceReady:
		return qr.route(), nil
	case stateDeterministic:
		return qr.deterministic()
	case stateGated:
		return qr.evidenceEmptyAnswer()
	case stateModelCalled:
		return qr.callModel(ctx)
	case stateAnswered:
		return qr.validate()
	case stateAdviceOptional:
		return qr.advise(ctx)
	case stateAborted:
		return stateDone, nil
	default:
		return stateDone, fmt.Errorf("unknown question state %d", state)
	}
}

func (qr *questionRun) emit(kind QuestionEventType, detail string, attempt int) {
	event := qr.r.event(qr.index, qr.q, kind)
	event.Detail = detail
	event.Attempt = attempt
	event.ModelCalls = qr.record.ModelCalls
	qr.r.observer.OnQuestionEvent(event)
}

// collectEvidence runs the preflight steps and the evidence pipeline.
func (qr *questionRun) collectEvidence(ctx context.Context) (questionState, error) {
	r := qr.r
	qr.emit(QuestionPreflight, fmt.Sprintf("%d steps", len(qr.q.Preflight)), 0)
	steps, err := r.executor.Run(ctx, qr.q, r.pack.Engine)
	if err != nil {
		return stateDone, err
	}
	if err := ctx.Err(); err != nil {
		return stateDone, err
	}
	built, err := r.pipeline.Build(qr.q.ID, preflight.Inputs(steps))
	if err != nil {
		return stateDone, err
	}
	for i, stat := range built.Stats {
		if err := r.executor.StoreFiltered(steps[i], stat, built.Filtered[stat.Step]); err != nil {
			return stateDone, err
		}
		qr.logStep(steps[i], stat)
	}
	qr.steps = steps
	qr.evidence = built
	qr.universe = r.validator.Universe(built.Texts(), built.CiteTokens())
	qr.record.Preflight = preflight.Records(steps, built.Stats)
	qr.record.UsableBlocks = built.Usable
	qr.record.CiteTokens = built.CiteTokens()

	qr.logger.Info("question.evidence.summary",
		zap.Int("steps", len(steps)),
		zap.Int("blocks", len(built.Blocks)),
		zap.Int("usable_blocks", built.Usable),
		zap.Int("universe_tokens", len(qr.universe.Tokens())),
	)
	r.logVerbose(styleDefault, "question %s evidence: %d blocks, %d usable", qr.q.ID, len(built.Blocks), built.Usable)
	return stateEvidenceReady, nil
}

func (qr *questionRun) logStep(step preflight.StepResult, stat evidence.StepStats) {
	if !step.Ran {
		return
	}
	if step.Record.ReturnCode != 0 || step.Record.Error != "" {
		qr.logger.Warn("preflight.step.failed",
			zap.String("step", step.Step.Name),
			zap.Int("returncode", step.Record.ReturnCode),
			zap.String("error", step.Record.Error),
			zap.String("artifact", step.Artifact),
		)
		qr.r.logVerbose(styleError, "question %s step %s failed (rc=%d)", qr.q.ID, step.Step.Name, step.Record.ReturnCode)
	}
	if stat.FilteredToZero {
		qr.logger.Warn("preflight.step.filtered_to_zero",
			zap.String("step", stat.Step),
			zap.Int("rows_before", stat.RowsBefore),
			zap.Strings("filters", stat.Filters),
			zap.Bool("starved", stat.Starved),
		)
	}
}

// route applies the empty-evidence precedence: starvation and strict gates
// abort, deterministic questions never reach the model, and the legacy gate
// substitutes a canned answer.
func (qr *questionRun) route() questionState {
	r := qr.r
	ev := qr.evidence

	if starved := ev.Starved(); len(starved) > 0 {
		names := make([]string, 0, len(starved))
		for _, stat := range starved {
			names = append(names, fmt.Sprintf("%s(%d)", stat.Step, stat.RowsBefore))
		}
		qr.abort(abortFilteredToZero, fmt.Sprintf(
			"Preflight starvation gate failed: %d step(s) collapsed to zero usable evidence after filtering (%s; threshold=%d)",
			len(starved), strings.Join(names, ", "), r.policy.Preflight.FilteredToZeroFail.RawRowsThreshold))
		return stateAborted
	}

	if ev.Empty() && r.policy.Gates.EvidencePresence.FailOnEmptyEvidence {
		qr.abort(abortEvidenceEmpty, "Evidence is empty: no preflight step produced usable rows; model and advice calls were skipped")
		if r.policy.Gates.EvidencePresence.FailFast {
			id := qr.q.ID
			r.stopped.CompareAndSwap(nil, &id)
		}
		return stateAborted
	}

	if qr.q.AnswerMode == "deterministic" {
		return stateDeterministic
	}
	if ev.Empty() && (r.params.EvidenceEmptyGate || r.policy.Gates.EvidenceEmpty.Enabled) {
		return stateGated
	}
	return stateModelCalled
}

func (qr *questionRun) abort(reason, message string) {
	qr.record.Aborted = reason
	qr.record.Fatal = true
	qr.record.Issues = append(qr.record.Issues, artifact.Issue{Kind: contract.KindEvidence, Message: message})
	event := "question.evidence.empty.abort"
	if reason == abortFilteredToZero {
		event = "question.preflight.filtered_to_zero.abort"
	}
	qr.logger.Error(event,
		zap.String("reason", reason),
		zap.String("message", message),
		zap.Bool("fail_fast", qr.r.policy.Gates.EvidencePresence.FailFast),
	)
	qr.r.logVerbose(styleError, "question %s aborted: %s", qr.q.ID, message)
}

// fail turns an I/O error into a fatal issue so the remaining questions and
// the run's report still complete.
func (qr *questionRun) fail(state questionState, err error) {
	qr.record.Aborted = abortRuntime
	qr.record.Fatal = true
	qr.record.Issues = append(qr.record.Issues, artifact.Issue{Kind: kindRuntime, Message: err.Error()})
	qr.logger.Error("question.runtime_error", zap.Stringer("state", state), zap.Error(err))
	qr.r.logVerbose(styleError, "question %s failed: %v", qr.q.ID, err)
}

func (qr *questionRun) chatName() string {
	return qr.q.ID + "_chat.json"
}

// deterministic synthesizes the answer from evidence without a model call.
func (qr *questionRun) deterministic() (questionState, error) {
	qr.emit(QuestionAnswering, "deterministic", 0)
	r := qr.r
	// Rows cut by the render budget never reach the prompt, so they may not be
	// cited either.
	locations := r.validator.Known(qr.universe, r.pipeline.Locations(qr.evidence))
	qr.text = r.synth.Deterministic(qr.q.ID, locations, qr.evidence.CiteTokens())
	qr.chat = answer.Record{
		Argv: []string{},
		Stdout: map[string]any{
			"answer":                qr.text,
			"sources":               []any{},
			"_deterministic_answer": true,
			"_deterministic_reason": "answer_mode=deterministic",
		},
		Phase: "deterministic",
	}
	if err := r.writer.WriteJSON(qr.chatName(), qr.chat); err != nil {
		return stateDone, err
	}
	return stateAnswered, nil
}

// evidenceEmptyAnswer records the canned answer of the legacy gate.
func (qr *questionRun) evidenceEmptyAnswer() (questionState, error) {
	qr.emit(QuestionAnswering, "evidence-empty gate", 0)
	qr.text = qr.r.synth.EvidenceEmpty()
	qr.chat = answer.Record{
		Argv: []string{},
		Stdout: map[string]any{
			"answer":                qr.text,
			"sources":               []any{},
			"_evidence_empty_gated": true,
		},
		Phase: "evidence_empty_gate",
	}
	if err := qr.r.writer.WriteJSON(qr.chatName(), qr.chat); err != nil {
		return stateDone, err
	}
	return stateAnswered, nil
}

func (qr *questionRun) strictTemplate() string {
	return strings.TrimSpace(qr.q.Chat.StrictResponseTemplate)
}

func (qr *questionRun) modelRules() contract.Rules {
	if template := qr.strictTemplate(); template != "" {
		return qr.rules.WithRequiredKeys(template)
	}
	return qr.rules
}

// topK returns the initial and maximum retrieval breadth of the question.
func (qr *questionRun) topK() (initial, maximum int) {
	maximum = qr.q.TopK
	if maximum <= 0 {
		maximum = qr.r.pack.Defaults.ChatTopK
	}
	if !qr.r.params.AdaptiveTopK {
		return maximum, maximum
	}
	initial = qr.r.params.TopKInitial
	if initial <= 0 {
		initial = qr.r.pack.Defaults.TopKInitial
	}
	if initial <= 0 || initial > maximum {
		initial = maximum
	}
	return initial, maximum
}

// complete makes one chat call. Backend failures are kept on the record and
// surface as contract issues of the empty answer; cancellation aborts.
func (qr *questionRun) complete(ctx context.Context, phase, text string, topK int) (answer.Response, error) {
	r := qr.r
	temperature := 0.0
	if r.pack.Defaults.Temperature != nil {
		temperature = *r.pack.Defaults.Temperature
	}
	if qr.q.Chat.Temperature != nil {
		temperature = *qr.q.Chat.Temperature
	}
	maxTokens := r.pack.Defaults.MaxTokens
	if qr.q.Chat.MaxTokens > 0 {
		maxTokens = qr.q.Chat.MaxTokens
	}
	model := r.params.Model
	if qr.q.Chat.Model != "" {
		model = qr.q.Chat.Model
	}
	qr.record.ModelCalls++
	resp, err := r.backend.Complete(ctx, answer.Request{
		QuestionID:  qr.q.ID,
		Phase:       phase,
		Prompt:      text,
		TopK:        topK,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Model:       model,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return resp, ctxErr
	}
	if err != nil {
		if !errors.Is(err, answer.ErrBackend) {
			return resp, err
		}
		qr.logger.Warn("question.chat.failed", zap.String("phase", phase), zap.Error(err))
		r.logVerbose(styleError, "question %s %s call failed: %v", qr.q.ID, phase, err)
	}
	return resp, nil
}

// callModel runs the primary call, the adaptive rerun and the schema retry
// loop. Each mechanism is bounded: at most one rerun and at most
// schema_retry_attempts retries.
func (qr *questionRun) callModel(ctx context.Context) (questionState, error) {
	r := qr.r
	ev := qr.evidence
	mode := prompt.SelectMode(r.bypass, ev.Usable)
	template := qr.strictTemplate()
	base := r.assembler.Primary(prompt.Input{
		Question:       qr.q.Question,
		Blocks:         ev.Texts(),
		Allowed:        qr.universe.Tokens(),
		ResponseSchema: r.pack.ResponseSchema,
		StrictTemplate: template,
		Mode:           mode,
	})
	qr.record.PromptMode = mode
	promptName := qr.q.ID + "_augmented_prompt.md"
	if mode == prompt.ModeAnalyzeOnly {
		promptName = qr.q.ID + "_bypass_prompt.md"
	}
	if err := r.writer.Write(promptName, []byte(base)); err != nil {
		return stateDone, err
	}

	rules := qr.modelRules()
	topK, maxTopK := qr.topK()
	qr.emit(QuestionAnswering, mode, 0)
	resp, err := qr.complete(ctx, "primary", base, topK)
	if err != nil {
		return stateDone, err
	}
	issues := r.validator.Validate(resp.Text, qr.universe, rules)

	if r.params.AdaptiveTopK && topK < maxTopK && len(issues) > 0 {
		qr.logger.Info("question.chat.adaptive_rerun",
			zap.Int("top_k_from", topK),
			zap.Int("top_k_to", maxTopK),
			zap.Int("issues", len(issues)),
		)
		qr.emit(QuestionRetrying, fmt.Sprintf("adaptive rerun top_k=%d", maxTopK), 1)
		topK = maxTopK
		resp, err = qr.complete(ctx, "adaptive_rerun", r.assembler.AdaptiveRerun(base, contract.Messages(issues)), topK)
		if err != nil {
			return stateDone, err
		}
		qr.record.AdaptiveReruns = 1
		issues = r.validator.Validate(resp.Text, qr.universe, rules)
	}

	if qr.q.Chat.RetryOnSchemaFail {
		attempts := qr.q.Chat.SchemaRetryAttempts
		retryTemplate := template
		if retryTemplate == "" {
			retryTemplate = r.pack.ResponseSchema
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			schemaIssues := contract.SchemaOnly(issues)
			if len(schemaIssues) == 0 {
				break
			}
			qr.logger.Info("question.chat.schema_retry",
				zap.Int("attempt", attempt),
				zap.Int("attempts", attempts),
				zap.Strings("issues", contract.Messages(schemaIssues)),
			)
			qr.emit(QuestionRetrying, "schema retry", attempt)
			retry := r.assembler.SchemaRetry(base, retryTemplate, contract.Messages(schemaIssues), attempt, attempts)
			resp, err = qr.complete(ctx, "schema_retry", retry, topK)
			if err != nil {
				return stateDone, err
			}
			qr.record.SchemaRetries = attempt
			issues = r.validator.Validate(resp.Text, qr.universe, rules)
		}
	}

	qr.record.TopK = topK
	qr.text = resp.Text
	qr.chat = resp.Record
	if err := r.writer.WriteJSON(qr.chatName(), qr.chat); err != nil {
		return stateDone, err
	}
	return stateAnswered, nil
}

// replaceAnswer persists a corrected answer over the chat artifact.
func (qr *questionRun) replaceAnswer(text, purpose string, notes []string) error {
	qr.text = text
	qr.chat = qr.chat.WithAnswer(text)
	if err := qr.r.writer.ReplaceJSON(qr.chatName(), qr.chat, purpose); err != nil {
		return err
	}
	qr.record.Corrections = append(qr.record.Corrections, notes...)
	return nil
}

// validate applies the answer corrections and the final contract check.
func (qr *questionRun) validate() (questionState, error) {
	r := qr.r
	qr.emit(QuestionValidating, "", 0)
	model := qr.q.AnswerMode != "deterministic" && qr.chat.Phase != "evidence_empty_gate"
	rules := qr.rules
	if model {
		rules = qr.modelRules()
	}

	if model && qr.strictTemplate() != "" {
		repaired, notes := r.validator.RepairStrict(qr.q.ID, qr.text, qr.universe, rules)
		if len(notes) > 0 && repaired != qr.text {
			if err := qr.replaceAnswer(repaired, "corrected version of "+qr.chatName()+" (strict template repair)", notes); err != nil {
				return stateDone, err
			}
		}
	}
	if strings.TrimSpace(qr.text) != "" && len(qr.evidence.Blocks) > 0 && rules.EnforcePathsMustBeCited {
		completed, added := r.validator.AutoCompleteCitations(qr.text, qr.universe, rules)
		if len(added) > 0 && completed != qr.text {
			notes := make([]string, 0, len(added))
			for _, token := range added {
				notes = append(notes, "auto-cited "+token)
			}
			if err := qr.replaceAnswer(completed, "corrected version of "+qr.chatName()+" (cited-path completion)", notes); err != nil {
				return stateDone, err
			}
		}
	}

	issues := r.validator.Validate(qr.text, qr.universe, rules)
	parsed := r.validator.Parse(qr.text)
	qr.record.Answer = qr.text
	qr.record.Verdict = parsed.Verdict
	qr.record.Citations = parsed.Citations
	qr.record.Issues = append(qr.record.Issues, issues...)
	if len(issues) > 0 {
		if rules.FailOnMissingCitations {
			qr.record.Fatal = true
		}
		qr.logger.Warn("question.validator.issues",
			zap.Int("count", len(issues)),
			zap.Strings("issues", contract.Messages(issues)),
			zap.Bool("fatal", qr.record.Fatal),
		)
		r.logVerbose(styleError, "question %s validator issues: %s", qr.q.ID, formatIssueKinds(issues))
	}
	return stateAdviceOptional, nil
}

// advise runs the advice pass and, under the mission gate, its validation
// and bounded retries.
func (qr *questionRun) advise(ctx context.Context) (questionState, error) {
	r := qr.r
	if qr.q.AdviceMode != "model" {
		if r.mission {
			qr.adviceIssues([]artifact.Issue{{
				Kind:    contract.KindAdvice,
				Message: "Mission advice gate requires advice_mode=model",
			}})
		}
		return stateDone, nil
	}
	if len(qr.evidence.Blocks) == 0 {
		qr.logger.Info("question.advice.skipped", zap.String("reason", "no evidence blocks"))
		return stateDone, nil
	}

	qr.emit(QuestionAdvising, "", 0)
	var base string
	if strings.TrimSpace(qr.q.AdvicePrompt) != "" {
		base = r.assembler.CustomAdvice(qr.q.AdvicePrompt, qr.q.ID, qr.q.Question, qr.text, qr.evidence.Texts())
	} else {
		base = r.assembler.Advice(qr.q.ID, qr.q.Question, qr.text, qr.evidence.Texts())
	}
	if err := r.writer.Write(qr.q.ID+"_advice_prompt.md", []byte(base)); err != nil {
		return stateDone, err
	}
	_, maxTopK := qr.topK()
	topK := qr.q.Chat.AdviceTopK
	if topK <= 0 {
		topK = maxTopK
		if limit := r.policy.Gates.Advice.TopKCap; limit > 0 && topK > limit {
			topK = limit
		}
	}

	adviceName := qr.q.ID + "_advice_chat.json"
	resp, err := qr.complete(ctx, "advice", base, topK)
	if err != nil {
		return stateDone, err
	}
	if err := r.writer.WriteJSON(adviceName, resp.Record); err != nil {
		return stateDone, err
	}
	qr.record.Advice = resp.Text
	if !r.mission {
		return stateDone, nil
	}

	issues := r.validator.ValidateAdvice(resp.Text, qr.universe)
	attempts := r.policy.Gates.Advice.RetryAttempts
	for attempt := 1; attempt <= attempts && len(issues) > 0; attempt++ {
		qr.logger.Info("question.advice.retry", zap.Int("attempt", attempt), zap.Strings("issues", contract.Messages(issues)))
		qr.emit(QuestionRetrying, "advice retry", attempt)
		retry := r.assembler.AdviceRetry(base, contract.Messages(issues), attempt, attempts)
		resp, err = qr.complete(ctx, "advice_retry", retry, topK)
		if err != nil {
			return stateDone, err
		}
		if err := r.writer.ReplaceJSON(adviceName, resp.Record, fmt.Sprintf("corrected version of %s (advice retry %d)", adviceName, attempt)); err != nil {
			return stateDone, err
		}
		qr.record.AdviceRetries = attempt
		qr.record.Advice = resp.Text
		issues = r.validator.ValidateAdvice(resp.Text, qr.universe)
	}
	qr.adviceIssues(issues)
	return stateDone, nil
}

func (qr *questionRun) adviceIssues(issues []artifact.Issue) {
	if len(issues) == 0 {
		return
	}
	qr.record.AdviceIssues = append(qr.record.AdviceIssues, issues...)
	qr.record.Fatal = true
	qr.logger.Warn("question.advice.issues", zap.Int("count", len(issues)), zap.Strings("issues", contract.Messages(issues)))
	qr.r.logVerbose(styleError, "question %s advice gate: %d issue(s)", qr.q.ID, len(issues))
}

// artifacts lists the files this question registered with the writer.
func (qr *questionRun) artifacts() []string {
	var names []string
	for _, step := range qr.steps {
		if step.Artifact != "" {
			names = append(names, step.Artifact)
		}
	}
	for _, suffix := range []string{"_bypass_prompt.md", "_augmented_prompt.md", "_chat.json", "_advice_prompt.md", "_advice_chat.json"} {
		name := qr.q.ID + suffix
		if _, ok := qr.r.writer.Lookup(name); ok {
			names = append(names, name)
		}
	}
	return names
}

func (qr *questionRun) finish() {
	record := qr.record
	kind := QuestionPassed
	switch {
	case record.Aborted != "":
		kind = QuestionAborted
	case !record.OK():
		kind = QuestionFailed
	}
	event := qr.r.event(qr.index, qr.q, kind)
	event.Detail = record.Aborted
	event.Verdict = record.Verdict
	event.Issues = len(record.Issues) + len(record.AdviceIssues)
	event.ModelCalls = record.ModelCalls
	event.Fatal = record.Fatal
	event.WallTime = time.Since(qr.started)
	qr.r.observer.OnQuestionEvent(event)

	qr.logger.Info("question.done",
		zap.String("verdict", record.Verdict),
		zap.Int("issues", len(record.Issues)),
		zap.Int("advice_issues", len(record.AdviceIssues)),
		zap.Int("schema_retries", record.SchemaRetries),
		zap.Int("adaptive_reruns", record.AdaptiveReruns),
		zap.Int("model_calls", record.ModelCalls),
		zap.Bool("fatal", record.Fatal),
		zap.Duration("elapsed", event.WallTime),
	)
	style := styleMetrics
	if record.Fatal {
		style = styleError
	}
	qr.r.logVerbose(style, "question %s done: verdict=%s issues=%s model_calls=%d", qr.q.ID, orNone(record.Verdict), formatIssueKinds(append(append([]artifact.Issue(nil), record.Issues...), record.AdviceIssues...)), record.ModelCalls)
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}
