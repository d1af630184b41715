package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

const goodTemplate = `
id: purchase
name: Purchase order
active: true
steps:
  - id: manager
    type: approval
    approvers:
      users: ["7"]
  - id: notify
    type: auto
`

const badTemplate = `
id: broken
name: Broken
steps:
  - id: review
    type: approval
    transitions:
      - target: nowhere
`

const usersFile = `
users:
  - id: "1"
    username: carla
    full_name: Carla Creator
  - id: "7"
    username: alex
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestValidateTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "purchase.yaml", goodTemplate)

	var out bytes.Buffer
	if err := validateTemplates(context.Background(), &out, []string{dir}); err != nil {
		t.Fatalf("validateTemplates() error = %v", err)
	}
	if !strings.Contains(out.String(), "ok   purchase (2 steps)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateTemplates_reportsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "purchase.yaml", goodTemplate)
	writeFile(t, dir, "broken.yaml", badTemplate)

	var out bytes.Buffer
	err := validateTemplates(context.Background(), &out, []string{dir})
	if err == nil {
		t.Fatal("validateTemplates() should fail")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error = %v, want 1 of 2", err)
	}
	if !strings.Contains(out.String(), "FAIL broken") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCommand_validate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "purchase.yaml", goodTemplate)

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "purchase") {
		t.Errorf("output = %q", out.String())
	}
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	tmplDir := t.TempDir()
	writeFile(t, tmplDir, "purchase.yaml", goodTemplate)

	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{tmplDir}
	cfg.Identity.Directory.UsersFile = writeFile(t, t.TempDir(), "users.yaml", usersFile)
	return cfg
}

func TestBuildApp_memory(t *testing.T) {
	ctx := context.Background()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	a, err := buildApp(ctx, memoryConfig(t), zap.NewNop(), metrics)
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	if !a.readiness.TemplatesLoaded() {
		t.Error("templates should be loaded")
	}
	if a.idempotency == nil || a.readiness.IdempotencyStore == nil {
		t.Error("idempotency store should be wired")
	}

	inst, err := a.engine.CreateInstance(ctx, "purchase", "Laptop", nil, "1")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := a.engine.Submit(ctx, inst.ID, "1"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	done, err := a.engine.Decide(ctx, inst.ID, "manager", "7", model.DecisionApprove, "")
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if done.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want completed", done.Status)
	}

	report, err := a.engine.Recover(ctx)
	if err != nil || report.Scanned != 0 {
		t.Errorf("Recover() = %+v, %v", report, err)
	}
}

func TestBuildApp_invalidTemplateAborts(t *testing.T) {
	cfg := memoryConfig(t)
	writeFile(t, cfg.Definitions.Directories[0], "broken.yaml", badTemplate)

	_, err := buildApp(context.Background(), cfg, zap.NewNop(), observability.InitMetrics(prometheus.NewRegistry()))
	if err == nil {
		t.Fatal("buildApp() should fail on an invalid template")
	}
}

func TestBuildApp_missingDSN(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Workflow.Store.Driver = config.DriverPostgres
	cfg.Workflow.Store.DSNEnv = "OFFICEFLOW_TEST_UNSET_DSN"

	_, err := buildApp(context.Background(), cfg, zap.NewNop(), observability.InitMetrics(prometheus.NewRegistry()))
	if err == nil || !strings.Contains(err.Error(), "OFFICEFLOW_TEST_UNSET_DSN") {
		t.Errorf("buildApp() error = %v, want missing DSN", err)
	}
}
