package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeclash/internal/common"
	"codeclash/internal/model"
	"codeclash/internal/sandbox"
)

// EvalLimits are the shared evaluation guardrails.
type EvalLimits struct {
	MaxSourceBytes int // oversize rejects the whole submission
	MaxArgBytes    int // oversize fails only that test
	MaxResultBytes int // serialized results truncated to this before compare/echo
}

// EvalOutcome is the ordered per-test record plus aggregates for one
// evaluated submission.
type EvalOutcome struct {
	Results     []model.TestResult
	Passed      int
	Total       int
	TotalTimeMs int
}

// Evaluator runs untrusted code against a problem's test suite.
type Evaluator interface {
	Evaluate(ctx context.Context, problem *model.Problem, code, language string) (*EvalOutcome, error)
}

// languageSpec describes how a containerized language runs: where the source
// lands, an optional compile step, and the per-test command. {{args}} in the
// run command is replaced with the serialized argument tuple.
type languageSpec struct {
	SourceFile string
	CompileCmd []string
	RunCmd     []string
}

var containerLanguages = map[string]languageSpec{
	"python": {
		SourceFile: "solution.py",
		RunCmd:     []string{"python3", "/sandbox/solution.py", "{{args}}"},
	},
	"go": {
		SourceFile: "main.go",
		CompileCmd: []string{"go", "build", "-o", "/sandbox/solution", "/sandbox/main.go"},
		RunCmd:     []string{"/sandbox/solution", "{{args}}"},
	},
}

// EvaluatorService selects an execution strategy by language: JavaScript
// runs in-process under a restricted VM; everything else runs in ephemeral
// resource-limited containers. Tests within one submission run strictly
// sequentially so timing and ceilings apply per test.
type EvaluatorService struct {
	script     *sandbox.ScriptRunner
	containers sandbox.ContainerRunner // nil disables the container path
	image      string
	limits     EvalLimits
}

// NewEvaluatorService creates a new evaluator service
func NewEvaluatorService(script *sandbox.ScriptRunner, containers sandbox.ContainerRunner, image string, limits EvalLimits) *EvaluatorService {
	return &EvaluatorService{
		script:     script,
		containers: containers,
		image:      image,
		limits:     limits,
	}
}

func (s *EvaluatorService) Evaluate(ctx context.Context, problem *model.Problem, code, language string) (*EvalOutcome, error) {
	if len(code) > s.limits.MaxSourceBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", common.ErrSandboxViolation, s.limits.MaxSourceBytes)
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: empty submission", common.ErrValidation)
	}

	if language == "" || language == "javascript" || language == "js" {
		return s.evaluateScript(problem, code)
	}
	return s.evaluateContainer(ctx, problem, code, language)
}

// evaluateScript is the in-process path: one restricted VM per submission,
// the entry function invoked once per test under the per-test timeout.
func (s *EvaluatorService) evaluateScript(problem *model.Problem, code string) (*EvalOutcome, error) {
	outcome := &EvalOutcome{Total: len(problem.TestCases)}

	prog, compileErr := s.script.Compile(code, problem.EntryPoint)
	for _, tc := range problem.TestCases {
		res := s.newResult(tc)
		if compileErr != nil {
			res.Error = compileErr.Error()
			outcome.Results = append(outcome.Results, res)
			continue
		}
		if _, ok := s.checkArgs(tc, &res); !ok {
			outcome.Results = append(outcome.Results, res)
			continue
		}

		start := time.Now()
		actual, err := prog.Invoke(tc.Args)
		res.TimeMs = time.Since(start).Milliseconds()
		s.record(&res, tc.Expected, actual, err)
		outcome.Results = append(outcome.Results, res)
	}

	s.aggregate(outcome)
	return outcome, nil
}

// evaluateContainer provisions one ephemeral sandbox per test. A compile
// step, when the language needs one, runs first and short-circuits the
// whole submission on failure.
func (s *EvaluatorService) evaluateContainer(ctx context.Context, problem *model.Problem, code, language string) (*EvalOutcome, error) {
	spec, ok := containerLanguages[language]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported language %q", common.ErrValidation, language)
	}
	if s.containers == nil {
		return nil, fmt.Errorf("%w: container execution unavailable", common.ErrValidation)
	}

	dir, err := os.MkdirTemp("", "codeclash-run-")
	if err != nil {
		return nil, fmt.Errorf("prepare sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, spec.SourceFile), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	bind := dir + ":/sandbox"

	outcome := &EvalOutcome{Total: len(problem.TestCases)}

	var compileErr string
	if len(spec.CompileCmd) > 0 {
		res, err := s.containers.Run(ctx, sandbox.ContainerRequest{
			Image: s.image,
			Cmd:   spec.CompileCmd,
			Binds: []string{bind},
		})
		if err != nil {
			compileErr = err.Error()
		} else if res.ExitCode != 0 {
			compileErr = sandbox.Truncate(res.Stderr, s.limits.MaxResultBytes)
		}
	}

	for _, tc := range problem.TestCases {
		res := s.newResult(tc)
		if compileErr != "" {
			res.Error = "compile failed: " + compileErr
			outcome.Results = append(outcome.Results, res)
			continue
		}
		argsJSON, ok := s.checkArgs(tc, &res)
		if !ok {
			outcome.Results = append(outcome.Results, res)
			continue
		}

		cmd := make([]string, len(spec.RunCmd))
		for i, part := range spec.RunCmd {
			cmd[i] = strings.ReplaceAll(part, "{{args}}", argsJSON)
		}

		start := time.Now()
		runRes, err := s.containers.Run(ctx, sandbox.ContainerRequest{
			Image: s.image,
			Cmd:   cmd,
			Binds: []string{bind},
		})
		res.TimeMs = time.Since(start).Milliseconds()

		if err != nil {
			s.record(&res, tc.Expected, nil, err)
		} else if runRes.ExitCode != 0 {
			s.record(&res, tc.Expected, nil, fmt.Errorf("exit %d: %s", runRes.ExitCode, runRes.Stderr))
		} else {
			actual, parseErr := parseRunOutput(runRes.Stdout)
			s.record(&res, tc.Expected, actual, parseErr)
		}
		outcome.Results = append(outcome.Results, res)
	}

	s.aggregate(outcome)
	return outcome, nil
}

// newResult serializes the test inputs and expectation for echo.
func (s *EvaluatorService) newResult(tc model.TestCase) model.TestResult {
	return model.TestResult{
		Input:    sandbox.Truncate(marshalValue(tc.Args), s.limits.MaxResultBytes),
		Expected: sandbox.Truncate(marshalValue(tc.Expected), s.limits.MaxResultBytes),
	}
}

// checkArgs enforces the per-test argument cap and returns the serialized
// tuple for container invocation.
func (s *EvaluatorService) checkArgs(tc model.TestCase, res *model.TestResult) (string, bool) {
	argsJSON := marshalValue(tc.Args)
	if len(argsJSON) > s.limits.MaxArgBytes {
		res.Error = fmt.Sprintf("test argument exceeds %d bytes", s.limits.MaxArgBytes)
		return "", false
	}
	return argsJSON, true
}

// record fills the comparison half of a result. Oversized serialized values
// are truncated before comparison, so a pathological output can never pass
// by accident nor blow up the echo payload.
func (s *EvaluatorService) record(res *model.TestResult, expected, actual interface{}, err error) {
	if err != nil {
		res.Error = err.Error()
		return
	}
	actualJSON := marshalValue(actual)
	expectedJSON := marshalValue(expected)
	res.Actual = sandbox.Truncate(actualJSON, s.limits.MaxResultBytes)
	if len(actualJSON) > s.limits.MaxResultBytes || len(expectedJSON) > s.limits.MaxResultBytes {
		res.Passed = res.Actual == sandbox.Truncate(expectedJSON, s.limits.MaxResultBytes)
		return
	}
	res.Passed = sandbox.DeepEqual(expected, actual)
}

func (s *EvaluatorService) aggregate(outcome *EvalOutcome) {
	for _, r := range outcome.Results {
		if r.Passed {
			outcome.Passed++
		}
		outcome.TotalTimeMs += int(r.TimeMs)
	}
}

func marshalValue(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to serialize evaluation value: %v", err)
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// parseRunOutput takes the last non-empty stdout line as the JSON result.
func parseRunOutput(stdout string) (interface{}, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fmt.Errorf("no output")
	}
	var v interface{}
	if err := json.Unmarshal([]byte(last), &v); err != nil {
		return nil, fmt.Errorf("unparseable output: %s", sandbox.Truncate(last, 256))
	}
	return v, nil
}
