package store

import "time"

// SessionKind classifies what a coding session sets out to do.
type SessionKind string

const (
	KindFeature       SessionKind = "feature"
	KindBugfix        SessionKind = "bugfix"
	KindRefactor      SessionKind = "refactor"
	KindDocumentation SessionKind = "documentation"
)

func (k SessionKind) Valid() bool {
	switch k {
	case KindFeature, KindBugfix, KindRefactor, KindDocumentation:
		return true
	}
	return false
}

// Phase is the stage a session is currently working through.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseDocumentation  Phase = "documentation"
)

func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseImplementation, PhaseTesting, PhaseDocumentation:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusCheckpoint SessionStatus = "checkpoint"
	StatusHandoff    SessionStatus = "handoff"
	StatusComplete   SessionStatus = "complete"
)

// Terminal reports whether the status freezes session metrics.
func (s SessionStatus) Terminal() bool {
	return s == StatusHandoff || s == StatusComplete
}

// Scope is the estimated size of a session's work.
type Scope struct {
	Lines int `json:"lines"`
	Tests int `json:"tests"`
	Docs  int `json:"docs"`
}

// SessionMetrics tracks observed progress for a session.
type SessionMetrics struct {
	LinesWritten  int     `json:"lines_written"`
	TestsWritten  int     `json:"tests_written"`
	TestsPassing  int     `json:"tests_passing"`
	DocsUpdated   int     `json:"docs_updated"`
	VelocityScore float64 `json:"velocity_score"`
}

// Session is a bounded development task with a token budget.
type Session struct {
	ID                  string         `json:"id"`
	Project             string         `json:"project"`
	Kind                SessionKind    `json:"kind"`
	StartTime           time.Time      `json:"start_time"`
	EstimatedCompletion time.Time      `json:"estimated_completion"`
	Phase               Phase          `json:"phase"`
	Status              SessionStatus  `json:"status"`
	Scope               Scope          `json:"scope"`
	ContextBudget       int            `json:"context_budget"`
	ContextUsed         int            `json:"context_used"`
	Metrics             SessionMetrics `json:"metrics"`
	EndTime             *time.Time     `json:"end_time,omitempty"`
}

// UsagePercent reports context consumption relative to the budget. Overflow
// past 100 is allowed and reported as-is.
func (s *Session) UsagePercent() float64 {
	if s.ContextBudget <= 0 {
		return 0
	}
	return float64(s.ContextUsed) / float64(s.ContextBudget) * 100
}

// CheckpointMetrics is the metrics snapshot embedded in a checkpoint.
type CheckpointMetrics struct {
	Lines              int     `json:"lines"`
	TestsPassing       int     `json:"tests_passing"`
	ContextUsedPercent float64 `json:"context_used_percent"`
}

// ContinuationPlan seeds the work that follows a checkpoint or handoff.
type ContinuationPlan struct {
	NextSteps       []string `json:"next_steps"`
	Phase           Phase    `json:"phase"`
	RemainingBudget int      `json:"remaining_budget"`
	Notes           string   `json:"notes,omitempty"`
}

// Checkpoint is a durable point-in-time snapshot of session progress.
// Immutable once written; numbers are contiguous starting at 0.
type Checkpoint struct {
	ID                  string            `json:"id"`
	SessionID           string            `json:"session_id"`
	Number              int               `json:"number"`
	CreatedAt           time.Time         `json:"created_at"`
	ContextUsed         int               `json:"context_used"`
	CommitHash          string            `json:"commit_hash,omitempty"`
	CompletedComponents []string          `json:"completed_components"`
	Metrics             CheckpointMetrics `json:"metrics"`
	Continuation        ContinuationPlan  `json:"continuation"`
}

// ContextSample is one append-only token-usage record.
type ContextSample struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Tokens    int       `json:"tokens"`
	Operation string    `json:"operation"`
}

// DiscrepancyKind classifies a reality-check finding.
type DiscrepancyKind string

const (
	DiscrepancyFileMismatch     DiscrepancyKind = "file_mismatch"
	DiscrepancyTestFailure      DiscrepancyKind = "test_failure"
	DiscrepancyDocumentationGap DiscrepancyKind = "documentation_gap"
	DiscrepancyStateDrift       DiscrepancyKind = "state_drift"
)

// Severity ranks a discrepancy.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Discrepancy is a single item found by a reality check.
type Discrepancy struct {
	ID           string          `json:"id"`
	Kind         DiscrepancyKind `json:"kind"`
	Severity     Severity        `json:"severity"`
	Description  string          `json:"description"`
	Location     string          `json:"location,omitempty"`
	SuggestedFix string          `json:"suggested_fix,omitempty"`
	AutoFixable  bool            `json:"auto_fixable"`
	Priority     int             `json:"priority"`
}

// RealitySnapshot is an immutable reality-check result.
type RealitySnapshot struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	CreatedAt     time.Time     `json:"created_at"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Confidence    int           `json:"confidence"`
}

// BlockerKind classifies what is blocking a session.
type BlockerKind string

const (
	BlockerTechnical           BlockerKind = "technical"
	BlockerContext             BlockerKind = "context"
	BlockerExternal            BlockerKind = "external"
	BlockerUnclearRequirement  BlockerKind = "unclear_requirement"
)

func (k BlockerKind) Valid() bool {
	switch k {
	case BlockerTechnical, BlockerContext, BlockerExternal, BlockerUnclearRequirement:
		return true
	}
	return false
}

// Blocker records something that impeded a session.
type Blocker struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	ProjectTag    string      `json:"project_tag"`
	Kind          BlockerKind `json:"kind"`
	Description   string      `json:"description"`
	Impact        int         `json:"impact"` // 0..10
	CreatedAt     time.Time   `json:"created_at"`
	Resolution    string      `json:"resolution,omitempty"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
	TimeToResolve time.Duration `json:"time_to_resolve,omitempty"`
}

// ContextType is the syntactic category a symbol name applies to.
type ContextType string

const (
	ContextClass     ContextType = "class"
	ContextFunction  ContextType = "function"
	ContextVariable  ContextType = "variable"
	ContextConstant  ContextType = "constant"
	ContextInterface ContextType = "interface"
)

func (c ContextType) Valid() bool {
	switch c {
	case ContextClass, ContextFunction, ContextVariable, ContextConstant, ContextInterface:
		return true
	}
	return false
}

// Symbol is a canonical name assigned to a concept within a project.
// (project, concept, context_type) is unique.
type Symbol struct {
	ID             string      `json:"id"`
	Project        string      `json:"project"`
	Concept        string      `json:"concept"`
	ChosenName     string      `json:"chosen_name"`
	ContextType    ContextType `json:"context_type"`
	Confidence     float64     `json:"confidence"`
	UsageCount     int         `json:"usage_count"`
	CreatedByAgent string      `json:"created_by_agent"`
	SessionID      string      `json:"session_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// AgentDecision is an append-only record of an advisory agent's output,
// used as weak long-term memory. Survives session deletion by design.
type AgentDecision struct {
	ID           int64     `json:"id"`
	AgentName    string    `json:"agent_name"`
	ActionType   string    `json:"action_type"`
	InputContext string    `json:"input_context"`
	DecisionMade string    `json:"decision_made"`
	Worked       bool      `json:"worked"`
	ProjectID    string    `json:"project_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActionStep is one tool invocation inside a quick action.
type ActionStep struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params" yaml:"params"`
}

// QuickAction is a stored, ordered tool sequence runnable in one call.
type QuickAction struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Steps       []ActionStep `json:"steps"`
	UIGroup     string       `json:"ui_group,omitempty"`
	Shortcut    string       `json:"shortcut,omitempty"`
	UsageCount  int          `json:"usage_count"`
	LastUsed    *time.Time   `json:"last_used,omitempty"`
}

// Document is metadata for a generated or tracked document.
type Document struct {
	Path        string    `json:"path"`
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`
	GeneratedAt time.Time `json:"generated_at"`
	WordCount   int       `json:"word_count"`
	Sections    []string  `json:"sections"`
	References  []string  `json:"references"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Project aggregates statistics across sessions.
type Project struct {
	Name              string    `json:"name"`
	SessionsCompleted int       `json:"sessions_completed"`
	TotalLinesWritten int       `json:"total_lines_written"`
	AverageVelocity   float64   `json:"average_velocity"`
	CompletionRate    float64   `json:"completion_rate"`
	CommonBlockers    []string  `json:"common_blockers"`
	TechStack         []string  `json:"tech_stack"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a queued agent follow-up task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
)

// AgentTask is a queued follow-up produced by an advisory agent, typically a
// suggested tool call the operator can run later.
type AgentTask struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Status    TaskStatus     `json:"status"`
	Priority  int            `json:"priority"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
