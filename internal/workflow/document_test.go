package workflow

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

const sampleDocument = `
version: "1.2"
settings:
  defaultTimeout: 45s
  maxConcurrentWorkflows: 7
  maxRetries: 1
templates:
  ocr:
    type: document
    config:
      operation: ocr
      options:
        language: en
        dpi: 300
workflows:
  - id: invoices
    name: Invoice intake
    enabled: true
    steps:
      - id: scan
        name: Scan
        template: ocr
        config:
          options:
            dpi: 600
      - id: notify
        name: Notify
        type: notification
        dependencies: [scan]
`

func TestLoadDocumentResolvesTemplates(t *testing.T) {
	doc, err := LoadDocument(strings.NewReader(sampleDocument))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if len(doc.Workflows) != 1 || len(doc.Workflows[0].Steps) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	scan := doc.Workflows[0].Steps[0]
	if scan.Type != "document" {
		t.Fatalf("template type not applied: %q", scan.Type)
	}
	want := map[string]any{
		"operation": "ocr",
		"options":   map[string]any{"language": "en", "dpi": 600},
	}
	if !reflect.DeepEqual(scan.Config, want) {
		t.Fatalf("config = %#v", scan.Config)
	}
	if doc.Settings == nil || time.Duration(doc.Settings.DefaultTimeout) != 45*time.Second || *doc.Settings.MaxRetries != 1 {
		t.Fatalf("settings = %+v", doc.Settings)
	}
}

func TestLoadDocumentJSON(t *testing.T) {
	src := `{"version":"1.0","workflows":[{"id":"j","name":"J","enabled":true,"steps":[{"id":"a","name":"A","type":"notification"}]}]}`
	doc, err := LoadDocument(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if doc.Workflows[0].ID != "j" || doc.Workflows[0].Steps[0].Type != "notification" {
		t.Fatalf("doc = %+v", doc.Workflows)
	}
}

func TestLoadDocumentSettings(t *testing.T) {
	one := 1
	tests := []struct {
		name string
		src  string
		want DocumentSettings
	}{
		{
			name: "json duration string",
			src:  `{"version":"1.0","settings":{"defaultTimeout":"45s","maxRetries":1,"concurrency":3},"workflows":[]}`,
			want: DocumentSettings{DefaultTimeout: Timeout(45 * time.Second), MaxRetries: &one, Concurrency: 3},
		},
		{
			name: "json milliseconds",
			src:  `{"version":"1.0","settings":{"defaultTimeout":300000,"concurrency":2},"workflows":[]}`,
			want: DocumentSettings{DefaultTimeout: Timeout(5 * time.Minute), Concurrency: 2},
		},
		{
			name: "yaml milliseconds",
			src:  "version: \"1.0\"\nsettings:\n  defaultTimeout: 300000\n  maxRetries: 1\n  concurrency: 6\nworkflows: []\n",
			want: DocumentSettings{DefaultTimeout: Timeout(5 * time.Minute), MaxRetries: &one, Concurrency: 6},
		},
		{
			name: "yaml duration string",
			src:  "version: \"1.0\"\nsettings:\n  defaultTimeout: 2m\nworkflows: []\n",
			want: DocumentSettings{DefaultTimeout: Timeout(2 * time.Minute)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := LoadDocument(strings.NewReader(tt.src))
			if err != nil {
				t.Fatalf("LoadDocument: %v", err)
			}
			if doc.Settings == nil || !reflect.DeepEqual(*doc.Settings, tt.want) {
				t.Fatalf("settings = %+v, want %+v", doc.Settings, tt.want)
			}
		})
	}

	for _, src := range []string{
		`{"version":"1.0","settings":{"defaultTimeout":"soon"},"workflows":[]}`,
		"version: \"1.0\"\nsettings:\n  defaultTimeout: -5\nworkflows: []\n",
	} {
		if _, err := LoadDocument(strings.NewReader(src)); err == nil {
			t.Errorf("LoadDocument(%q): expected error", src)
		}
	}
}

func TestImportDocumentAppliesConcurrency(t *testing.T) {
	e := newTestEngine(t)
	doc, err := LoadDocument(strings.NewReader(`{"version":"1.0","settings":{"defaultTimeout":90000,"concurrency":3,"maxConcurrentWorkflows":9},"workflows":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ImportDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	cfg := e.GetConfig()
	if cfg.MaxConcurrentWorkflows != 3 || cfg.DefaultTimeout != 90*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := workflowQueueConcurrency(e); got != 3 {
		t.Fatalf("workflow-execution concurrency = %d, want 3", got)
	}
}

func TestLoadDocumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
		wantMsg string
	}{
		{name: "future major", src: "version: \"2.0\"\nworkflows: []\n", wantErr: ErrIncompatibleVersion},
		{name: "missing version", src: "workflows: []\n", wantErr: ErrIncompatibleVersion},
		{
			name:    "unknown template",
			src:     "version: \"1.0\"\nworkflows:\n  - id: w\n    name: W\n    steps:\n      - id: s\n        name: S\n        template: nope\n",
			wantMsg: `unknown template "nope"`,
		},
		{name: "malformed", src: "{not json", wantMsg: "parse document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDocument(strings.NewReader(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestImportDocumentCreatesThenUpdates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := LoadDocument(strings.NewReader(sampleDocument))
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.ImportDocument(ctx, doc)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	if !reflect.DeepEqual(report.Created, []string{"invoices"}) || len(report.Updated) != 0 {
		t.Fatalf("report = %+v", report)
	}
	cfg := e.GetConfig()
	if cfg.DefaultTimeout != 45*time.Second || cfg.MaxConcurrentWorkflows != 7 || cfg.RetryPolicy.MaxRetries != 1 {
		t.Fatalf("settings not applied: %+v", cfg)
	}

	doc.Workflows[0].Name = "Invoice intake v2"
	doc.Workflows = append(doc.Workflows, domain.WorkflowDefinition{ID: "broken", Name: "Broken"})
	report, err = e.ImportDocument(ctx, doc)
	if err == nil {
		t.Fatal("expected error for invalid workflow")
	}
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(report.Updated, []string{"invoices"}) || report.Failed["broken"] == "" {
		t.Fatalf("report = %+v", report)
	}
	def, err := e.GetWorkflow(ctx, "invoices")
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "Invoice intake v2" {
		t.Fatalf("name = %q", def.Name)
	}
}

func TestExportDocumentRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	def := linearWorkflow("export-me")
	def.Schedule = &domain.CronSchedule{Expression: "0 6 * * *", Timezone: "UTC"}
	if _, err := e.CreateWorkflow(ctx, def); err != nil {
		t.Fatal(err)
	}

	doc, err := e.ExportDocument(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != DocumentVersion || len(doc.Workflows) != 1 {
		t.Fatalf("doc = %+v", doc)
	}

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteDocument(&buf, doc, format); err != nil {
				t.Fatalf("WriteDocument: %v", err)
			}
			back, err := LoadDocument(&buf)
			if err != nil {
				t.Fatalf("LoadDocument: %v", err)
			}
			got := back.Workflows[0]
			if got.ID != "export-me" || len(got.Steps) != 3 || got.Schedule == nil || got.Schedule.Timezone != "UTC" {
				t.Fatalf("workflow = %+v", got)
			}
			if back.Settings == nil || time.Duration(back.Settings.DefaultTimeout) != 10*time.Second || back.Settings.Concurrency != 4 {
				t.Fatalf("settings = %+v", back.Settings)
			}
		})
	}

	if err := WriteDocument(&bytes.Buffer{}, doc, "toml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLoadDocumentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(path, []byte(sampleDocument), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadDocumentFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Workflows[0].ID != "invoices" {
		t.Fatalf("doc = %+v", doc)
	}
	if _, err := LoadDocumentFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	got := deepMerge(base, map[string]any{"b": 2, "nested": map[string]any{"y": 3}})
	want := map[string]any{"a": 1, "b": 2, "nested": map[string]any{"x": 1, "y": 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge = %#v", got)
	}
	if base["nested"].(map[string]any)["y"] != 2 {
		t.Fatal("base was mutated")
	}
	if deepMerge(nil, nil) != nil {
		t.Fatal("merge of nils should be nil")
	}
}

func TestShippedExampleDocument(t *testing.T) {
	doc, err := LoadDocumentFile(filepath.Join("..", "..", "examples", "requirements.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Workflows) != 1 {
		t.Fatalf("workflows = %d", len(doc.Workflows))
	}
	def := doc.Workflows[0]
	if res := ValidateWorkflow(&def); !res.Valid {
		t.Fatalf("example invalid: %v", res.Errors)
	}

	extract := def.Step("extract")
	if extract == nil {
		t.Fatal("extract step missing")
	}
	if extract.Type != "requirement-extraction" {
		t.Fatalf("extract type = %q", extract.Type)
	}
	opts, _ := extract.Config["options"].(map[string]any)
	if opts["temperature"] != 0 || opts["maxTokens"] != 2048 {
		t.Fatalf("extract options = %v", opts)
	}
	if analyze := def.Step("analyze"); analyze == nil || analyze.Type != "estimation" {
		t.Fatalf("analyze = %+v", analyze)
	}
}
