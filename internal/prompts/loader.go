package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

// Template paths.
const (
	SystemPath      = "evolve/system.md"
	InitialPath     = "evolve/initial.md"
	IteratePath     = "evolve/iterate.md"
	CrossoverPath   = "evolve/crossover.md"
	MutatePath      = "evolve/mutate.md"
	JudgeSystemPath = "evolve/judge_system.md"
	JudgePath       = "evolve/judge.md"
	rewriteDir      = "evolve/rewrite"
)

// RewriteVariants are the full-rewrite system prompts in sampling order.
var RewriteVariants = []string{
	"default",
	"different_algorithm",
	"context_motivated",
	"structural_redesign",
	"parametric_design",
}

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for rewrite templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Configured prompts dir (general.prompts_dir), if set
// 2. Project-local: .evolve-orch/prompts/
// 3. User config: ~/.config/evolve-orch/prompts/
func DefaultLoader(promptsDir string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if promptsDir != "" {
		dirs = append(dirs, promptsDir)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, ".evolve-orch", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "evolve-orch", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, filepath.FromSlash(name))
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "evolve/judge.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// ListRewriteVariants returns metadata for the rewrite prompts, sorted by id.
func (l *Loader) ListRewriteVariants() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, rewriteDir)
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		_, meta, err := l.LoadTemplate(path.Join(rewriteDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// TaskData holds the problem statement shared by all prompts.
type TaskData struct {
	Problem  string
	Criteria []domain.Criterion
}

// InitialData holds template variables for the initial-population prompt.
type InitialData struct {
	TaskData
	Index int // 1-based
	Total int
}

// IterationData holds template variables for rewriting one candidate.
type IterationData struct {
	TaskData
	Code     string
	Score    float64
	Metrics  string
	Feedback string
}

// CrossoverData holds template variables for blending two parents.
type CrossoverData struct {
	TaskData
	Parent1 string
	Parent2 string
}

// MutateData holds template variables for a free-form mutation.
type MutateData struct {
	TaskData
	Text        string
	Instruction string
}

// JudgeData holds template variables for scoring one candidate.
type JudgeData struct {
	TaskData
	Candidate string
}

// BuildSystem renders the task system message.
func (l *Loader) BuildSystem(data TaskData) (string, error) {
	return l.Execute(SystemPath, data)
}

// BuildInitial renders the prompt for the i-th initial candidate.
func (l *Loader) BuildInitial(data InitialData) (string, error) {
	return l.Execute(InitialPath, data)
}

// BuildRewriteSystem renders the task system message followed by the
// named rewrite variant's instructions.
func (l *Loader) BuildRewriteSystem(variant string, data TaskData) (string, error) {
	base, err := l.BuildSystem(data)
	if err != nil {
		return "", err
	}
	instructions, err := l.Execute(path.Join(rewriteDir, variant+".md"), data)
	if err != nil {
		return "", err
	}
	return base + "\n\n" + instructions, nil
}

// BuildIteration renders the rewrite request for one candidate.
func (l *Loader) BuildIteration(data IterationData) (string, error) {
	return l.Execute(IteratePath, data)
}

// BuildCrossover renders the blend request for two parents.
func (l *Loader) BuildCrossover(data CrossoverData) (string, error) {
	return l.Execute(CrossoverPath, data)
}

// BuildMutate renders a free-form mutation request.
func (l *Loader) BuildMutate(data MutateData) (string, error) {
	return l.Execute(MutatePath, data)
}

// BuildJudge renders the judge system and user messages.
func (l *Loader) BuildJudge(data JudgeData) (system, user string, err error) {
	system, err = l.Execute(JudgeSystemPath, data)
	if err != nil {
		return "", "", err
	}
	user, err = l.Execute(JudgePath, data)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
