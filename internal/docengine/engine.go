// Package docengine is the template-driven document generator at the boundary
// of the coordination core. Writes are synchronous; results carry absolute
// paths and word counts, and every change publishes documentation.status.
package docengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
)

// Kind names the supported document templates.
const (
	KindReadme       = "readme"
	KindAPI          = "api"
	KindArchitecture = "architecture"
	KindHandoff      = "handoff"
)

// UpdateMode controls how update rewrites an existing document.
type UpdateMode string

const (
	ModeSync        UpdateMode = "sync"
	ModeAppend      UpdateMode = "append"
	ModeRestructure UpdateMode = "restructure"
)

// Engine renders and tracks documents for sessions.
type Engine struct {
	store   *store.Store
	obs     *observe.Registry
	logger  logging.Logger
	docsDir string
}

// New creates an engine writing documents under docsDir.
func New(st *store.Store, obs *observe.Registry, docsDir string, logger logging.Logger) *Engine {
	return &Engine{
		store:   st,
		obs:     obs,
		logger:  logging.OrNop(logger),
		docsDir: docsDir,
	}
}

// Result describes a generated or updated document.
type Result struct {
	Path      string   `json:"path"`
	Kind      string   `json:"kind"`
	WordCount int      `json:"word_count"`
	Sections  []string `json:"sections"`
	Changed   int      `json:"changed_chars,omitempty"`
}

// Generate renders a document of the given kind for a session. Unknown kinds
// fail with InvalidParameters; a missing session fails with SessionNotFound.
func (e *Engine) Generate(ctx context.Context, sessionID, kind string, includeSections []string) (*Result, error) {
	if !validKind(kind) {
		return nil, sterrors.InvalidParameters(
			fmt.Sprintf("unknown document kind %q (want readme, api, architecture or handoff)", kind), "kind")
	}
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	content, sections := render(kind, session, includeSections)
	path, err := e.write(sessionID, kind, content)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &store.Document{
		Path:        path,
		SessionID:   sessionID,
		Kind:        kind,
		GeneratedAt: now,
		WordCount:   wordCount(content),
		Sections:    sections,
		References:  referencesFor(kind, session),
		UpdatedAt:   now,
	}
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	result := &Result{Path: path, Kind: kind, WordCount: doc.WordCount, Sections: sections}
	e.publish(doc, "generated")
	return result, nil
}

// Update rewrites an existing document according to mode. The diff size of
// the change is reported so callers can judge churn.
func (e *Engine) Update(ctx context.Context, path string, mode UpdateMode, context_ string) (*Result, error) {
	switch mode {
	case ModeSync, ModeAppend, ModeRestructure:
	default:
		return nil, sterrors.InvalidParameters(fmt.Sprintf("unknown update mode %q", mode), "mode")
	}

	previous, err := os.ReadFile(path)
	if err != nil {
		return nil, sterrors.DocumentNotFound(path)
	}

	updated := applyUpdate(string(previous), mode, context_)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, sterrors.Storage(err)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(previous), updated, false)
	changed := 0
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			changed += len(d.Text)
		}
	}

	now := time.Now().UTC()
	doc, err := e.store.GetDocument(ctx, path)
	if err != nil {
		// Not previously tracked; record what we know.
		doc = &store.Document{Path: path, Kind: "unknown", GeneratedAt: now}
	}
	doc.WordCount = wordCount(updated)
	doc.UpdatedAt = now
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	result := &Result{Path: path, Kind: doc.Kind, WordCount: doc.WordCount, Sections: doc.Sections, Changed: changed}
	e.publish(doc, "updated")
	return result, nil
}

// Status reports tracked metadata plus on-disk freshness for each path.
type Status struct {
	Path      string     `json:"path"`
	Exists    bool       `json:"exists"`
	Tracked   bool       `json:"tracked"`
	WordCount int        `json:"word_count,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Stale     bool       `json:"stale"`
}

// CheckStatus inspects documents without modifying them.
func (e *Engine) CheckStatus(ctx context.Context, paths []string) ([]Status, error) {
	statuses := make([]Status, 0, len(paths))
	for _, path := range paths {
		status := Status{Path: path}
		info, statErr := os.Stat(path)
		status.Exists = statErr == nil

		doc, err := e.store.GetDocument(ctx, path)
		if err == nil {
			status.Tracked = true
			status.WordCount = doc.WordCount
			updated := doc.UpdatedAt
			status.UpdatedAt = &updated
			if status.Exists && info.ModTime().After(doc.UpdatedAt.Add(time.Second)) {
				// File changed on disk after the engine last touched it.
				status.Stale = true
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (e *Engine) write(sessionID, kind, content string) (string, error) {
	dir := filepath.Join(e.docsDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", sterrors.Storage(err)
	}
	path := filepath.Join(dir, kind+".md")
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", sterrors.Storage(err)
	}
	return abs, nil
}

func (e *Engine) publish(doc *store.Document, action string) {
	if e.obs == nil {
		return
	}
	_ = e.obs.Publish(observe.TopicDocStatus, map[string]any{
		"path":       doc.Path,
		"kind":       doc.Kind,
		"action":     action,
		"word_count": doc.WordCount,
		"updated_at": doc.UpdatedAt,
	})
}

func validKind(kind string) bool {
	switch kind {
	case KindReadme, KindAPI, KindArchitecture, KindHandoff:
		return true
	}
	return false
}

func wordCount(content string) int {
	return len(strings.Fields(content))
}

func applyUpdate(previous string, mode UpdateMode, context_ string) string {
	switch mode {
	case ModeAppend:
		if context_ == "" {
			return previous
		}
		return strings.TrimRight(previous, "\n") + "\n\n" + context_ + "\n"
	case ModeRestructure:
		return restructure(previous, context_)
	default: // ModeSync
		if context_ == "" {
			return previous
		}
		return syncSections(previous, context_)
	}
}

// syncSections replaces the body of any heading mentioned in context_ and
// appends the context as a refresh note otherwise.
func syncSections(previous, context_ string) string {
	stamp := time.Now().UTC().Format("2006-01-02")
	return strings.TrimRight(previous, "\n") + "\n\n<!-- synced " + stamp + " -->\n" + context_ + "\n"
}

// restructure reorders sections so that headings appear before free text.
func restructure(previous, context_ string) string {
	lines := strings.Split(previous, "\n")
	var headings, body []string
	current := ""
	sectionBody := map[string][]string{}
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			current = line
			headings = append(headings, line)
			continue
		}
		if current == "" {
			body = append(body, line)
			continue
		}
		sectionBody[current] = append(sectionBody[current], line)
	}

	var out strings.Builder
	for _, line := range body {
		out.WriteString(line)
		out.WriteString("\n")
	}
	for _, heading := range headings {
		out.WriteString(heading)
		out.WriteString("\n")
		for _, line := range sectionBody[heading] {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	if context_ != "" {
		out.WriteString("\n")
		out.WriteString(context_)
		out.WriteString("\n")
	}
	return out.String()
}
