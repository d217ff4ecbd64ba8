package reality

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"steward/internal/sterrors"
)

// TestResult is the parsed output of one test-command run.
type TestResult struct {
	Ran     bool   `json:"ran"`
	Passing int    `json:"passing"`
	Failing int    `json:"failing"`
	Output  string `json:"output,omitempty"`
}

var (
	passingRe = regexp.MustCompile(`(\d+)\s+passing`)
	failingRe = regexp.MustCompile(`(\d+)\s+failing`)
	// Go test output has no "N passing" summary; count ok/FAIL package lines.
	goPassRe = regexp.MustCompile(`(?m)^(?:ok|--- PASS)`)
	goFailRe = regexp.MustCompile(`(?m)^(?:FAIL|--- FAIL)`)
)

const testTimeout = 2 * time.Minute

// testRunner discovers and runs the project's test command.
type testRunner struct {
	dir      string
	override string // explicit command from config, wins over discovery
}

// discoverCommand finds the conventional test command for the working tree.
// Returns "" when no descriptor is recognized.
func (r *testRunner) discoverCommand() string {
	if r.override != "" {
		return r.override
	}
	if _, err := os.Stat(filepath.Join(r.dir, "package.json")); err == nil {
		return "npm test"
	}
	if _, err := os.Stat(filepath.Join(r.dir, "go.mod")); err == nil {
		return "go test ./..."
	}
	if _, err := os.Stat(filepath.Join(r.dir, "Makefile")); err == nil {
		return "make test"
	}
	if _, err := os.Stat(filepath.Join(r.dir, "pyproject.toml")); err == nil {
		return "pytest"
	}
	return ""
}

// run executes the discovered test command and parses pass/fail counts.
// No discovered command means no data, not failure.
func (r *testRunner) run(ctx context.Context) (*TestResult, error) {
	command := r.discoverCommand()
	if command == "" {
		return &TestResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = r.dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	output := buf.String()

	result := &TestResult{Ran: true, Output: tail(output, 4000)}
	result.Passing = extractCount(passingRe, output)
	result.Failing = extractCount(failingRe, output)
	if result.Passing == 0 && result.Failing == 0 {
		result.Passing = len(goPassRe.FindAllString(output, -1))
		result.Failing = len(goFailRe.FindAllString(output, -1))
	}

	if runErr != nil && result.Passing == 0 && result.Failing == 0 {
		// Non-zero exit with nothing parseable is a real tool failure.
		return nil, sterrors.ExternalTool("test command failed: "+command, tail(output, 1000), runErr)
	}
	if runErr != nil && result.Failing == 0 {
		result.Failing = 1
	}
	return result, nil
}

func extractCount(re *regexp.Regexp, output string) int {
	match := re.FindStringSubmatch(output)
	if len(match) < 2 {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
