package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"gopkg.in/yaml.v3"
)

// DocumentVersion is written by ExportDocument. Any 1.x document loads.
const DocumentVersion = "1.0"

// Document is a portable set of workflow definitions with shared step
// templates and engine settings.
type Document struct {
	Version   string                      `json:"version" yaml:"version"`
	Settings  *DocumentSettings           `json:"settings,omitempty" yaml:"settings,omitempty"`
	Templates map[string]StepTemplate     `json:"templates,omitempty" yaml:"templates,omitempty"`
	Workflows []domain.WorkflowDefinition `json:"workflows" yaml:"workflows"`
}

// DocumentSettings override engine settings on import. Concurrency is the
// number of workflows that may run at once; MaxConcurrentWorkflows is
// accepted as its older name and loses when both are set.
type DocumentSettings struct {
	DefaultTimeout         Timeout `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`
	MaxRetries             *int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	Concurrency            int     `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	MaxConcurrentWorkflows int     `json:"maxConcurrentWorkflows,omitempty" yaml:"maxConcurrentWorkflows,omitempty"`
	StepFanOut             int     `json:"stepFanOut,omitempty" yaml:"stepFanOut,omitempty"`
}

func (s *DocumentSettings) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return s.MaxConcurrentWorkflows
}

// Timeout is a duration written either as a Go duration string ("90s") or
// as a number of milliseconds.
type Timeout time.Duration

func parseTimeout(v string) (Timeout, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(ms * float64(time.Millisecond))
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("invalid timeout %q: want milliseconds or a duration like 90s", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", v)
	}
	return Timeout(d), nil
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	v := string(b)
	if v == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
	}
	parsed, err := parseTimeout(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t *Timeout) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!null" {
		return nil
	}
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a scalar", n.Line)
	}
	parsed, err := parseTimeout(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*t = parsed
	return nil
}

func (t Timeout) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t Timeout) MarshalYAML() (any, error) { return t.String(), nil }

func (t Timeout) String() string { return time.Duration(t).String() }

// StepTemplate is a reusable step type and base config. A step naming a
// template inherits its type when it has none, and its config deep-merged
// under the step's own.
type StepTemplate struct {
	Type   string         `json:"type,omitempty" yaml:"type,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// LoadDocumentFile reads a document from disk.
func LoadDocumentFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	doc, err := LoadDocument(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// LoadDocument parses a JSON or YAML document, checks its version and
// resolves step templates.
func LoadDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	var doc Document
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	if err := doc.ResolveTemplates(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version is required", ErrIncompatibleVersion)
	}
	major, _, _ := strings.Cut(v, ".")
	if major != "1" {
		return fmt.Errorf("%w: %s (supported: 1.x)", ErrIncompatibleVersion, v)
	}
	return nil
}

// ResolveTemplates applies templates to every step that names one.
func (d *Document) ResolveTemplates() error {
	for wi := range d.Workflows {
		wf := &d.Workflows[wi]
		for si := range wf.Steps {
			step := &wf.Steps[si]
			if step.Template == "" {
				continue
			}
			tpl, ok := d.Templates[step.Template]
			if !ok {
				return fmt.Errorf("workflow %s step %s: unknown template %q", wf.ID, step.ID, step.Template)
			}
			if step.Type == "" {
				step.Type = tpl.Type
			}
			step.Config = deepMerge(tpl.Config, step.Config)
		}
	}
	return nil
}

// deepMerge returns base overlaid with override. Nested maps merge key by
// key; any other override value replaces the base value.
func deepMerge(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepMerge(m, nil)
			continue
		}
		out[k] = v
	}
	for k, v := range override {
		om, ok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if ok && bok {
			out[k] = deepMerge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// ImportReport lists what ImportDocument did.
type ImportReport struct {
	Created []string          `json:"created"`
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ImportDocument applies the document settings and creates or replaces every
// workflow it contains. Workflows that fail validation are reported and
// skipped; the returned error joins their failures.
func (e *Engine) ImportDocument(ctx context.Context, doc *Document) (*ImportReport, error) {
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	if err := e.applySettings(doc.Settings); err != nil {
		return nil, err
	}

	report := &ImportReport{Created: []string{}, Updated: []string{}}
	var errs []error
	for i := range doc.Workflows {
		def := &doc.Workflows[i]
		var err error
		if _, gerr := e.GetWorkflow(ctx, def.ID); gerr == nil {
			enabled := def.Enabled
			_, err = e.UpdateWorkflow(ctx, def.ID, WorkflowUpdate{
				Name:          &def.Name,
				Description:   &def.Description,
				Version:       &def.Version,
				Steps:         nonNilSteps(def.Steps),
				Triggers:      nonNilTriggers(def.Triggers),
				Schedule:      def.Schedule,
				ClearSchedule: def.Schedule == nil,
				Enabled:       &enabled,
			})
			if err == nil {
				report.Updated = append(report.Updated, def.ID)
			}
		} else if errors.Is(gerr, ErrWorkflowNotFound) {
			_, err = e.CreateWorkflow(ctx, def)
			if err == nil {
				report.Created = append(report.Created, def.ID)
			}
		} else {
			err = gerr
		}
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[def.ID] = err.Error()
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
		}
	}
	return report, errors.Join(errs...)
}

func nonNilSteps(s []domain.WorkflowStep) []domain.WorkflowStep {
	if s == nil {
		return []domain.WorkflowStep{}
	}
	return s
}

func nonNilTriggers(t []domain.Trigger) []domain.Trigger {
	if t == nil {
		return []domain.Trigger{}
	}
	return t
}

func (e *Engine) applySettings(s *DocumentSettings) error {
	if s == nil {
		return nil
	}
	var u ConfigUpdate
	if s.DefaultTimeout > 0 {
		d := time.Duration(s.DefaultTimeout)
		u.DefaultTimeout = &d
	}
	if n := s.concurrency(); n > 0 {
		u.MaxConcurrentWorkflows = &n
	}
	if s.MaxRetries != nil {
		rp := e.GetConfig().RetryPolicy
		rp.MaxRetries = *s.MaxRetries
		u.RetryPolicy = &rp
	}
	if s.StepFanOut > 0 {
		n := s.StepFanOut
		u.StepFanOut = &n
	}
	_, err := e.UpdateConfig(u)
	return err
}

// ExportDocument returns every stored workflow and the current settings.
func (e *Engine) ExportDocument(ctx context.Context) (*Document, error) {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	cfg := e.GetConfig()
	retries := cfg.RetryPolicy.MaxRetries
	doc := &Document{
		Version: DocumentVersion,
		Settings: &DocumentSettings{
			DefaultTimeout: Timeout(cfg.DefaultTimeout),
			Concurrency:    cfg.MaxConcurrentWorkflows,
			MaxRetries:     &retries,
			StepFanOut:     cfg.StepFanOut,
		},
		Workflows: make([]domain.WorkflowDefinition, 0, len(defs)),
	}
	for _, d := range defs {
		doc.Workflows = append(doc.Workflows, *d)
	}
	return doc, nil
}

// WriteDocument encodes doc as "yaml" or "json".
func WriteDocument(w io.Writer, doc *Document, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown document format %q", format)
}
