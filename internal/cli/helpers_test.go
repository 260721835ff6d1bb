package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fakeEngineScript = `#!/bin/sh
dir="$1"
shift
echo "$1" >> "$dir/calls.log"
case "$1" in
  chat)
    n=$(grep -c '^chat$' "$dir/calls.log")
    if [ -f "$dir/answer_$n.json" ]; then cat "$dir/answer_$n.json"; else cat "$dir/answer.json"; fi
    ;;
  query)
    if [ -f "$dir/rows.json" ]; then cat "$dir/rows.json"; else echo '[]'; fi
    ;;
  *)
    echo '[]'
    ;;
esac
`

const libRows = `[{"path":"src/lib.rs","line":3,"text":"unsafe { a }"},{"path":"src/lib.rs","line":10,"line_end":12,"text":"unsafe { b }"}]`

const goodAnswer = "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:3\n\nThe block at src/lib.rs:3 dereferences an unchecked pointer."

// engineFixture is a shell script standing in for the retrieval engine, with
// a policy override pointing the rsqt engine at it.
type engineFixture struct {
	dir        string
	policyPath string
}

func newEngineFixture(dir string) (*engineFixture, error) {
	f := &engineFixture{dir: dir}
	script := filepath.Join(dir, "fake-engine.sh")
	if err := os.WriteFile(script, []byte(fakeEngineScript), 0o755); err != nil {
		return nil, err
	}
	if err := f.setAnswer(goodAnswer); err != nil {
		return nil, err
	}
	return f, f.writePolicy("")
}

// writePolicy rewrites the override; extra is appended at top level.
func (f *engineFixture) writePolicy(extra string) error {
	f.policyPath = filepath.Join(f.dir, "policy.yaml")
	body := fmt.Sprintf("engines:\n  rsqt:\n    binary: %q\n    prefix: [%q]\n%s", filepath.Join(f.dir, "fake-engine.sh"), f.dir, extra)
	return os.WriteFile(f.policyPath, []byte(body), 0o644)
}

func (f *engineFixture) setRows(rows string) error {
	return os.WriteFile(filepath.Join(f.dir, "rows.json"), []byte(rows), 0o644)
}

func (f *engineFixture) setAnswer(text string) error {
	return f.writeAnswer("answer.json", text)
}

// setAnswerN scripts the reply of the n-th chat call, counting from 1.
func (f *engineFixture) setAnswerN(n int, text string) error {
	return f.writeAnswer(fmt.Sprintf("answer_%d.json", n), text)
}

func (f *engineFixture) writeAnswer(name, text string) error {
	payload, err := json.Marshal(map[string]any{"answer": text, "sources": []any{}})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.dir, name), payload, 0o644)
}

func (f *engineFixture) calls(prefix string) int {
	data, err := os.ReadFile(filepath.Join(f.dir, "calls.log"))
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}
	return count
}

type packQuestion struct {
	id     string
	mode   string
	advice string
	// chat and transform are YAML mappings nested under the question's chat
	// and the step's transform keys.
	chat      string
	transform string
}

func writePack(dir, packType string, questions ...packQuestion) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "version: \"1\"\npack_type: %s\nengine: rsqt\n", packType)
	b.WriteString("response_schema: |\n  VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE\n  CITATIONS=path:line(-line), ...\n")
	b.WriteString("runner:\n  plugins: false\nquestions:\n")
	for _, q := range questions {
		advice := q.advice
		if advice == "" {
			advice = "none"
		}
		fmt.Fprintf(&b, "  - id: %s\n    title: Unsafe review %s\n    category: safety\n", q.id, q.id)
		b.WriteString("    question: Is the unsafe code in src/lib.rs sound?\n")
		fmt.Fprintf(&b, "    answer_mode: %s\n    advice_mode: %s\n", q.mode, advice)
		if q.chat != "" {
			b.WriteString("    chat:\n")
			b.WriteString(indent(q.chat, "      "))
		}
		b.WriteString("    preflight:\n      - name: step1\n        cmd: [query, --kind, unsafe]\n        render: lines\n")
		if q.transform != "" {
			b.WriteString("        transform:\n")
			b.WriteString(indent(q.transform, "          "))
		}
	}
	path := filepath.Join(dir, "pack.yaml")
	return path, os.WriteFile(path, []byte(b.String()), 0o644)
}

func indent(body, prefix string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		b.WriteString(prefix + line + "\n")
	}
	return b.String()
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(args ...string) cliResult {
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}
