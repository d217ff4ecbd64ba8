package tool

import (
	"context"
	"time"

	"steward/internal/agents"
	"steward/internal/contextmon"
	"steward/internal/docengine"
	"steward/internal/project"
	"steward/internal/reality"
	"steward/internal/session"
	"steward/internal/store"
)

// Catalog binds component operations into the registry. Populated once at
// startup.
type Catalog struct {
	Sessions     *session.Manager
	Monitor      *contextmon.Monitor
	Checker      *reality.Checker
	Docs         *docengine.Engine
	Projects     *project.Tracker
	Orchestrator *agents.Orchestrator
	HealthCheck  Handler
}

// RegisterAll installs every tool. Panics on duplicate names; registration is
// a startup-only path.
func (c *Catalog) RegisterAll(r *Registry) {
	c.registerSessionTools(r)
	c.registerContextTools(r)
	c.registerRealityTools(r)
	c.registerDocTools(r)
	c.registerProjectTools(r)
	c.registerAgentTools(r)
	if c.HealthCheck != nil {
		r.MustRegister(&Tool{
			Name:        "health_check",
			Description: "Read-only process health: store, bus, bridge and filesystem probes.",
			Effect:      EffectRead,
			Handler:     c.HealthCheck,
		})
	}
}

func (c *Catalog) registerSessionTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "session_start",
			Description: "Start a coding session with a derived token budget.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
				{Name: "kind", Type: TypeString, Required: true, Description: "feature|bugfix|refactor|documentation"},
				{Name: "scope", Type: TypeObject, Required: true, Description: "{lines, tests, docs}"},
				{Name: "budget_override", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				scope := Object(params, "scope")
				return c.Sessions.Start(ctx,
					String(params, "project"),
					store.SessionKind(String(params, "kind")),
					store.Scope{
						Lines: Int(scope, "lines"),
						Tests: Int(scope, "tests"),
						Docs:  Int(scope, "docs"),
					},
					Int(params, "budget_override"))
			},
		},
		&Tool{
			Name:        "session_checkpoint",
			Description: "Record a durable progress snapshot, optionally committing to VCS.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "completed_components", Type: TypeStringList},
				{Name: "metrics", Type: TypeObject, Description: "{lines, tests_passing, context_used_percent}"},
				{Name: "commit_message", Type: TypeString},
				{Name: "force", Type: TypeBool},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				metrics := Object(params, "metrics")
				return c.Sessions.Checkpoint(ctx,
					String(params, "session_id"),
					Strings(params, "completed_components"),
					session.CheckpointMetricsInput{
						Lines:              Int(metrics, "lines"),
						TestsPassing:       Int(metrics, "tests_passing"),
						ContextUsedPercent: Float(metrics, "context_used_percent"),
					},
					String(params, "commit_message"),
					Bool(params, "force"))
			},
		},
		&Tool{
			Name:        "session_handoff",
			Description: "Terminally hand a session off with a seed document for its successor.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "next_goals", Type: TypeStringList},
				{Name: "include_context_dump", Type: TypeBool},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Sessions.Handoff(ctx,
					String(params, "session_id"),
					Strings(params, "next_goals"),
					Bool(params, "include_context_dump"))
			},
		},
		&Tool{
			Name:        "session_complete",
			Description: "Complete a session and fold its results into project aggregates.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Sessions.Complete(ctx, String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "session_status",
			Description: "Read a session.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Sessions.Status(ctx, String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "session_history",
			Description: "List sessions newest first, optionally by project.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString},
				{Name: "limit", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Sessions.History(ctx, String(params, "project"), Int(params, "limit"))
			},
		},
		&Tool{
			Name:        "quick_action",
			Description: "Execute a stored tool sequence, stopping at the first error.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "action_id", Type: TypeString, Required: true},
				{Name: "params", Type: TypeObject},
				{Name: "session_id", Type: TypeString},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				results, err := c.Sessions.ExecuteQuickAction(ctx,
					String(params, "action_id"),
					Object(params, "params"),
					String(params, "session_id"))
				if err != nil {
					// Partial results travel with the error for the caller.
					return map[string]any{"steps": results, "error": SerializeError(err)}, nil
				}
				return map[string]any{"steps": results}, nil
			},
		},
		&Tool{
			Name:        "suggest_actions",
			Description: "Rank stored quick actions against a session's current state.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "limit", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Sessions.SuggestActions(ctx, String(params, "session_id"), Int(params, "limit"))
			},
		},
	)
}

func (c *Catalog) registerContextTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "context_track",
			Description: "Append a token-usage sample to a session.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "phase", Type: TypeString, Required: true},
				{Name: "tokens", Type: TypeInt, Required: true},
				{Name: "label", Type: TypeString},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				err := c.Monitor.TrackUsage(ctx,
					String(params, "session_id"),
					store.Phase(String(params, "phase")),
					Int(params, "tokens"),
					String(params, "label"))
				if err != nil {
					return nil, err
				}
				return c.Monitor.GetStatus(ctx, String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "context_status",
			Description: "Current usage, per-phase breakdown and trend for a session.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Monitor.GetStatus(ctx, String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "context_predict",
			Description: "Forecast whether planned tasks fit the remaining budget.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "planned_tasks", Type: TypeStringList},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Monitor.Predict(ctx, String(params, "session_id"), Strings(params, "planned_tasks"))
			},
		},
		&Tool{
			Name:        "context_optimize",
			Description: "Estimate recoverable tokens via optimization strategies.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "target_reduction", Type: TypeInt, Required: true},
				{Name: "preserve_functionality", Type: TypeBool},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Monitor.Optimize(ctx,
					String(params, "session_id"),
					Int(params, "target_reduction"),
					Bool(params, "preserve_functionality"))
			},
		},
		&Tool{
			Name:        "context_analytics",
			Description: "Aggregate usage analytics for a session.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Monitor.Analyze(ctx, String(params, "session_id"))
			},
		},
	)
}

func (c *Catalog) registerRealityTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "reality_check",
			Description: "Compare claimed progress against the working tree, tests and docs.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "kind", Type: TypeString, Description: "comprehensive|quick|specific"},
				{Name: "focus_areas", Type: TypeStringList},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				kind := reality.CheckKind(String(params, "kind"))
				if kind == "" {
					kind = reality.CheckQuick
				}
				return c.Checker.PerformCheck(ctx,
					String(params, "session_id"), kind, Strings(params, "focus_areas"))
			},
		},
		&Tool{
			Name:        "reality_fix",
			Description: "Apply auto-fixable discrepancies from a snapshot.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "snapshot_id", Type: TypeString, Required: true},
				{Name: "fix_ids", Type: TypeStringList, Required: true},
				{Name: "auto_commit", Type: TypeBool},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Checker.ApplyFixes(ctx,
					String(params, "snapshot_id"),
					Strings(params, "fix_ids"),
					Bool(params, "auto_commit"))
			},
		},
		&Tool{
			Name:        "metric_validate",
			Description: "Compare reported metrics against observed values.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "reported", Type: TypeObject},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				reported := Object(params, "reported")
				return c.Checker.ValidateMetrics(ctx,
					String(params, "session_id"), reportedMetrics(reported))
			},
		},
	)
}

// reportedMetrics keeps absent fields nil so validation skips them.
func reportedMetrics(raw map[string]any) reality.ReportedMetrics {
	var out reality.ReportedMetrics
	pick := func(key string) *int {
		if _, ok := raw[key]; !ok {
			return nil
		}
		v := Int(raw, key)
		return &v
	}
	out.LinesWritten = pick("lines_written")
	out.TestsWritten = pick("tests_written")
	out.TestsPassing = pick("tests_passing")
	out.DocsUpdated = pick("docs_updated")
	return out
}

func (c *Catalog) registerDocTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "doc_generate",
			Description: "Render a document for a session from a built-in template.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "kind", Type: TypeString, Required: true, Description: "readme|api|architecture|handoff"},
				{Name: "include_sections", Type: TypeStringList},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Docs.Generate(ctx,
					String(params, "session_id"),
					String(params, "kind"),
					Strings(params, "include_sections"))
			},
		},
		&Tool{
			Name:        "doc_update",
			Description: "Rewrite an existing document in sync, append or restructure mode.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "file_path", Type: TypeString, Required: true},
				{Name: "mode", Type: TypeString, Required: true},
				{Name: "context", Type: TypeString},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Docs.Update(ctx,
					String(params, "file_path"),
					docengine.UpdateMode(String(params, "mode")),
					String(params, "context"))
			},
		},
		&Tool{
			Name:        "doc_status",
			Description: "Inspect tracked documents without modifying them.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "paths", Type: TypeStringList, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Docs.CheckStatus(ctx, Strings(params, "paths"))
			},
		},
	)
}

func (c *Catalog) registerProjectTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "project_track",
			Description: "Upsert a project row and recompute its aggregates.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Projects.Track(ctx, String(params, "project"))
			},
		},
		&Tool{
			Name:        "velocity_analyze",
			Description: "Lines-per-day analysis over a window with trend classification.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
				{Name: "window_days", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				window := time.Duration(Int(params, "window_days")) * 24 * time.Hour
				return c.Projects.AnalyzeVelocity(ctx, String(params, "project"), window)
			},
		},
		&Tool{
			Name:        "blocker_report",
			Description: "Record a blocker on a session.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
				{Name: "kind", Type: TypeString, Required: true},
				{Name: "description", Type: TypeString, Required: true},
				{Name: "impact", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Projects.ReportBlocker(ctx,
					String(params, "session_id"),
					store.BlockerKind(String(params, "kind")),
					String(params, "description"),
					Int(params, "impact"))
			},
		},
		&Tool{
			Name:        "blocker_resolve",
			Description: "Close a blocker, recording time to resolve.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "blocker_id", Type: TypeString, Required: true},
				{Name: "resolution", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Projects.ResolveBlocker(ctx,
					String(params, "blocker_id"), String(params, "resolution"))
			},
		},
		&Tool{
			Name:        "progress_report",
			Description: "Full project report with optional predictions.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
				{Name: "time_range_days", Type: TypeInt},
				{Name: "include_predictions", Type: TypeBool},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				timeRange := time.Duration(Int(params, "time_range_days")) * 24 * time.Hour
				return c.Projects.GenerateReport(ctx,
					String(params, "project"), timeRange, Bool(params, "include_predictions"))
			},
		},
	)
}

func (c *Catalog) registerAgentTools(r *Registry) {
	r.MustRegister(
		&Tool{
			Name:        "agent_run",
			Description: "Run the advisory agent pipeline against a session.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "session_id", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Orchestrator.Run(ctx, String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "symbol_register",
			Description: "Register a canonical name for a concept.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
				{Name: "concept", Type: TypeString, Required: true},
				{Name: "chosen_name", Type: TypeString, Required: true},
				{Name: "context_type", Type: TypeString, Required: true},
				{Name: "confidence", Type: TypeFloat},
				{Name: "session_id", Type: TypeString},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				confidence := Float(params, "confidence")
				if _, ok := params["confidence"]; !ok {
					confidence = 1
				}
				return c.Orchestrator.Symbols().Register(ctx,
					String(params, "project"),
					String(params, "concept"),
					String(params, "chosen_name"),
					store.ContextType(String(params, "context_type")),
					confidence,
					"operator",
					String(params, "session_id"))
			},
		},
		&Tool{
			Name:        "symbol_lookup",
			Description: "Resolve the canonical name for a concept, bumping usage.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
				{Name: "concept", Type: TypeString, Required: true},
				{Name: "context_type", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Orchestrator.Symbols().Lookup(ctx,
					String(params, "project"),
					String(params, "concept"),
					store.ContextType(String(params, "context_type")))
			},
		},
		&Tool{
			Name:        "symbol_list",
			Description: "List every symbol registered for a project.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "project", Type: TypeString, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Orchestrator.Symbols().List(ctx, String(params, "project"))
			},
		},
		&Tool{
			Name:        "agent_status",
			Description: "Per-agent configuration and health counters.",
			Effect:      EffectRead,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Orchestrator.Status(), nil
			},
		},
		&Tool{
			Name:        "agent_toggle",
			Description: "Enable or disable an agent by name.",
			Effect:      EffectMutate,
			Schema: Schema{Fields: []Field{
				{Name: "agent", Type: TypeString, Required: true},
				{Name: "enabled", Type: TypeBool, Required: true},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				if err := c.Orchestrator.Toggle(String(params, "agent"), Bool(params, "enabled")); err != nil {
					return nil, err
				}
				return c.Orchestrator.Status(), nil
			},
		},
		&Tool{
			Name:        "agent_memory_query",
			Description: "Query the append-only agent decision log.",
			Effect:      EffectRead,
			Schema: Schema{Fields: []Field{
				{Name: "agent_name", Type: TypeString},
				{Name: "action_type", Type: TypeString},
				{Name: "project", Type: TypeString},
				{Name: "limit", Type: TypeInt},
			}},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.Orchestrator.QueryMemory(ctx, store.DecisionFilter{
					AgentName:  String(params, "agent_name"),
					ActionType: String(params, "action_type"),
					ProjectID:  String(params, "project"),
					Limit:      Int(params, "limit"),
				})
			},
		},
	)
}
