package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"ragpack/internal/answer"
	"ragpack/internal/artifact"
	"ragpack/internal/config"
	"ragpack/internal/engine"
	"ragpack/internal/spec"
	"ragpack/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const libRows = `[{"path":"src/lib.rs","line":3,"text":"unsafe { a }"},{"path":"src/lib.rs","line":10,"line_end":12,"text":"unsafe { b }"},{"path":"src/lib.rs","line":40,"text":"unsafe { c }"}]`

const goodAnswer = "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:3\n\nThe block at src/lib.rs:3 dereferences an unchecked pointer."

// scriptedBackend replays answers per question in call order and repeats the
// last one when the script runs out.
type scriptedBackend struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   []answer.Request
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{replies: map[string][]string{}}
}

func (b *scriptedBackend) script(questionID string, replies ...string) *scriptedBackend {
	b.replies[questionID] = replies
	return b
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(_ context.Context, req answer.Request) (answer.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	replies := b.replies[req.QuestionID]
	text := ""
	if len(replies) > 0 {
		text = replies[0]
		if len(replies) > 1 {
			b.replies[req.QuestionID] = replies[1:]
		}
	}
	record := answer.Record{
		Argv:   []string{"scripted", req.Phase},
		Stdout: map[string]any{"answer": text, "sources": []any{}},
		TopK:   req.TopK,
		Phase:  req.Phase,
	}
	return answer.Response{Text: text, Record: record}, nil
}

func (b *scriptedBackend) requests(questionID string) []answer.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []answer.Request
	for _, req := range b.calls {
		if req.QuestionID == questionID {
			out = append(out, req)
		}
	}
	return out
}

// recordingObserver captures every observer callback.
type recordingObserver struct {
	mu      sync.Mutex
	started int
	events  []QuestionEvent
	ended   *Outcome
}

func (o *recordingObserver) OnRunStart(string, string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) OnQuestionEvent(event QuestionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) OnRunEnd(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = &outcome
}

func (o *recordingObserver) terminal() map[string]QuestionEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[string]QuestionEventType{}
	for _, event := range o.events {
		if event.Type.Terminal() {
			out[event.QuestionID] = event.Type
		}
	}
	return out
}

func testPolicy(t *testing.T) *config.Policy {
	t.Helper()
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return policy
}

func unsafeStep() spec.PreflightStep {
	return spec.PreflightStep{Name: "step1", Cmd: spec.StringList{"query", "--kind", "unsafe"}, Render: "lines"}
}

func question(id, mode string, steps ...spec.PreflightStep) spec.Question {
	return spec.Question{
		ID:         id,
		Title:      "Unsafe review " + id,
		Category:   "safety",
		Question:   "Is the unsafe code in src/lib.rs sound?",
		AnswerMode: mode,
		Preflight:  steps,
	}
}

func testPack(t *testing.T, policy *config.Policy, questions ...spec.Question) spec.Pack {
	t.Helper()
	pack := spec.Pack{
		Version:        "1",
		PackType:       "rust_audit",
		Engine:         "rsqt",
		ResponseSchema: "VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE\nCITATIONS=path:line(-line), ...",
		Runner:         spec.RunnerConfig{Plugins: spec.PluginSelection{Set: true, Off: true}},
		Questions:      questions,
	}
	config.Normalize(&pack, policy)
	if err := config.Validate(&pack, policy); err != nil {
		t.Fatalf("validate pack: %v", err)
	}
	return pack
}

type fixture struct {
	params   Params
	runner   *testutil.FakeRunner
	backend  *scriptedBackend
	observer *recordingObserver
}

func newFixture(t *testing.T, policy *config.Policy, pack spec.Pack) *fixture {
	t.Helper()
	runner := testutil.NewFakeRunner().OnStdout(libRows, "rsqt", "query", "--kind", "unsafe")
	backend := newScriptedBackend()
	observer := &recordingObserver{}
	return &fixture{
		runner:   runner,
		backend:  backend,
		observer: observer,
		params: Params{
			Pack:          pack,
			PackPath:      filepath.Join(t.TempDir(), "pack.yaml"),
			Policy:        policy,
			Paths:         engine.Paths{OutDir: filepath.Join(t.TempDir(), "run")},
			Runner:        runner,
			Backend:       backend,
			Jobs:          1,
			Logger:        zap.NewNop(),
			Observer:      observer,
			RunnerVersion: "test",
			Deps: Dependencies{
				RunID: func() (string, error) { return "run-1", nil },
				Now:   func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
				RepoDescriber: func(context.Context, string) (*artifact.RepoInfo, error) {
					return nil, fmt.Errorf("not a repository")
				},
			},
		},
	}
}

func (f *fixture) run(t *testing.T) Outcome {
	t.Helper()
	outcome, err := Run(testutil.Context(t, 5*time.Second), f.params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return outcome
}

func readManifest(t *testing.T, dir string) artifact.Manifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "RUN_MANIFEST.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest artifact.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return manifest
}

func readChat(t *testing.T, dir, name string) answer.Record {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	var record answer.Record
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode %s: %v", name, err)
	}
	return record
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
