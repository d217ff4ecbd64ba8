package docengine

import (
	"fmt"
	"strings"
	"time"

	"steward/internal/store"
)

// Section order per kind. Callers can narrow with include_sections; unknown
// names are ignored rather than rejected so a stale caller still gets output.
var kindSections = map[string][]string{
	KindReadme:       {"Overview", "Status", "Getting Started", "Progress"},
	KindAPI:          {"Overview", "Operations", "Errors"},
	KindArchitecture: {"Overview", "Components", "Data Flow", "Decisions"},
	KindHandoff:      {"Summary", "State", "Next Steps", "Risks"},
}

// render produces the document body and the section list actually included.
func render(kind string, session *store.Session, include []string) (string, []string) {
	sections := kindSections[kind]
	if len(include) > 0 {
		wanted := make(map[string]bool, len(include))
		for _, name := range include {
			wanted[name] = true
		}
		filtered := sections[:0:0]
		for _, name := range sections {
			if wanted[name] {
				filtered = append(filtered, name)
			}
		}
		if len(filtered) > 0 {
			sections = filtered
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s - %s\n\n", titleFor(kind), session.Project)
	fmt.Fprintf(&b, "_Generated %s for session %s._\n", time.Now().UTC().Format("2006-01-02 15:04"), session.ID)
	for _, name := range sections {
		b.WriteString("\n## ")
		b.WriteString(name)
		b.WriteString("\n\n")
		b.WriteString(sectionBodyFor(kind, name, session))
		b.WriteString("\n")
	}
	return b.String(), sections
}

func titleFor(kind string) string {
	switch kind {
	case KindReadme:
		return "README"
	case KindAPI:
		return "API Reference"
	case KindArchitecture:
		return "Architecture"
	case KindHandoff:
		return "Session Handoff"
	}
	return kind
}

func sectionBodyFor(kind, name string, session *store.Session) string {
	switch name {
	case "Overview", "Summary":
		return fmt.Sprintf("%s session in the %s phase, started %s.",
			session.Kind, session.Phase, session.StartTime.Format("2006-01-02 15:04"))
	case "Status", "State":
		return fmt.Sprintf("Status: %s. Context used: %d of %d tokens (%.1f%%).",
			session.Status, session.ContextUsed, session.ContextBudget, session.UsagePercent())
	case "Progress":
		m := session.Metrics
		return fmt.Sprintf("%d lines written, %d of %d tests passing, %d docs updated.",
			m.LinesWritten, m.TestsPassing, m.TestsWritten, m.DocsUpdated)
	case "Getting Started":
		return "Run the coordination server and attach a client over the realtime bus or the stdio bridge."
	case "Operations":
		return "Operations are dispatched by name with validated parameter records; see the tool catalog for schemas."
	case "Errors":
		return "Failures carry a stable error code, a human-readable message and optional suggestions."
	case "Components":
		return "Session manager, context monitor, reality checker, documentation engine, project tracker and the advisory agent pool, all persisting through the embedded store."
	case "Data Flow":
		return "Tool calls mutate durable state; every state change is published on a named topic and fanned out to realtime subscribers."
	case "Decisions":
		return "Decisions of record live in the agent decision log and in checkpoint continuation plans."
	case "Next Steps":
		return nextStepsBody(session)
	case "Risks":
		return fmt.Sprintf("Context usage at %.1f%% of budget. Unresolved blockers, if any, are listed in the project report.", session.UsagePercent())
	}
	return ""
}

func nextStepsBody(session *store.Session) string {
	remaining := session.ContextBudget - session.ContextUsed
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("Resume in the %s phase with roughly %d tokens of budget remaining.", session.Phase, remaining)
}

func referencesFor(kind string, session *store.Session) []string {
	refs := []string{"session:" + session.ID, "project:" + session.Project}
	if kind == KindHandoff {
		refs = append(refs, "topic:session.status")
	}
	return refs
}
