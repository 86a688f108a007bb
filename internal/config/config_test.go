package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	projectDir := t.TempDir()
	concordDir := filepath.Join(projectDir, ConcordDir)
	if err := os.MkdirAll(concordDir, 0755); err != nil {
		t.Fatal(err)
	}
	return &Config{ProjectDir: projectDir, ConcordProjectDir: concordDir, Project: defaultProjectConfig()}
}

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	c := newTestConfig(t)
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	orch := c.Orchestrator()
	if orch.ConsensusThreshold != 0.66 || orch.FaultTolerance != 0.33 {
		t.Fatalf("unexpected consensus defaults: %+v", orch)
	}
	if orch.ConsensusTimeoutMs != 300000 || orch.ParallelAgentCount != 2 || orch.AgentHeartbeatTimeoutMs != 30000 {
		t.Fatalf("unexpected timing defaults: %+v", orch)
	}
	if orch.ConflictResolutionStrategy != StrategySpecWins {
		t.Fatalf("expected spec-wins default, got %s", orch.ConflictResolutionStrategy)
	}
	if orch.ReassignGraceMs != 15000 || orch.MaxReassignments != 3 {
		t.Fatalf("unexpected reassignment defaults: %+v", orch)
	}
	if c.Project.Storage.Driver != StorageSQLite {
		t.Fatalf("expected sqlite storage, got %s", c.Project.Storage.Driver)
	}
	if c.StoragePath() != filepath.Join(c.ConcordProjectDir, "state", "concord.db") {
		t.Fatalf("unexpected default storage path %s", c.StoragePath())
	}
	if !strings.HasPrefix(c.SpecTreeDir(), c.ProjectDir) {
		t.Fatalf("expected spec tree to be absolute under project, got %s", c.SpecTreeDir())
	}
	if !c.GatewayEnabled() {
		t.Fatalf("gateway should default to enabled")
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	c := newTestConfig(t)
	configYAML := strings.TrimSpace(`
version: 1
trees:
  spec: docs/spec
  code: generated
  code_extension: go
storage:
  driver: SQLite
  path: state/custom.db
gateway:
  enabled: false
  port: 9000
orchestrator:
  consensus_threshold: 0.75
  fault_tolerance: 0.2
  parallel_agent_count: 3
  conflict_resolution_strategy: Manual
  high_impact_prefixes:
    - api.
    - " "
    - api.
`)
	if err := os.WriteFile(c.ProjectConfigPath(), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.SpecTreeDir() != filepath.Join(c.ProjectDir, "docs", "spec") {
		t.Fatalf("spec tree not resolved: %s", c.SpecTreeDir())
	}
	if c.Project.Trees.CodeExtension != ".go" {
		t.Fatalf("expected extension normalised to .go, got %s", c.Project.Trees.CodeExtension)
	}
	if c.Project.Storage.Driver != StorageSQLite {
		t.Fatalf("expected sqlite driver, got %s", c.Project.Storage.Driver)
	}
	if c.StoragePath() != filepath.Join(c.ConcordProjectDir, "state", "custom.db") {
		t.Fatalf("storage path not resolved: %s", c.StoragePath())
	}
	if c.GatewayEnabled() {
		t.Fatalf("gateway should be disabled")
	}
	orch := c.Orchestrator()
	if orch.ConsensusThreshold != 0.75 || orch.ParallelAgentCount != 3 {
		t.Fatalf("orchestrator overrides lost: %+v", orch)
	}
	if orch.ConflictResolutionStrategy != StrategyManual {
		t.Fatalf("strategy not normalised: %s", orch.ConflictResolutionStrategy)
	}
	if len(orch.HighImpactPrefixes) != 1 || orch.HighImpactPrefixes[0] != "api." {
		t.Fatalf("expected compacted prefixes, got %v", orch.HighImpactPrefixes)
	}
	// unspecified keys keep their defaults
	if orch.AgentHeartbeatTimeoutMs != 30000 {
		t.Fatalf("heartbeat default lost: %d", orch.AgentHeartbeatTimeoutMs)
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	cases := map[string]string{
		"threshold":  "orchestrator:\n  consensus_threshold: 0.4\n",
		"tolerance":  "orchestrator:\n  fault_tolerance: 0.6\n",
		"strategy":   "orchestrator:\n  conflict_resolution_strategy: coinflip\n",
		"driver":     "storage:\n  driver: postgres\n",
		"same trees": "trees:\n  spec: shared\n  code: shared\n",
		"generator":  "generator:\n  name: llm\n",
		"template":   "generator:\n  name: template\n",
	}
	for name, body := range cases {
		c := newTestConfig(t)
		if err := os.WriteFile(c.ProjectConfigPath(), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		err := c.loadProjectConfig()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.HasPrefix(err.Error(), "config:") {
			t.Fatalf("%s: expected config prefix, got %v", name, err)
		}
	}
}

func TestEnvOverridesApplyAfterFile(t *testing.T) {
	c := newTestConfig(t)
	t.Setenv("CONCORD_CONSENSUS_THRESHOLD", "0.9")
	t.Setenv("CONCORD_CONFLICT_STRATEGY", "merge")
	t.Setenv("CONCORD_GATEWAY_PORT", "7001")
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Orchestrator().ConsensusThreshold != 0.9 {
		t.Fatalf("threshold override ignored: %v", c.Orchestrator().ConsensusThreshold)
	}
	if c.Orchestrator().ConflictResolutionStrategy != StrategyMerge {
		t.Fatalf("strategy override ignored")
	}
	if c.Project.Gateway.Port != 7001 {
		t.Fatalf("port override ignored: %d", c.Project.Gateway.Port)
	}
}

func TestInitDirWritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	for _, dir := range []string{"logs", "state", "spec", "code", "plugins", "workflows"} {
		if info, err := os.Stat(filepath.Join(projectDir, ConcordDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Orchestrator().ParallelAgentCount != 2 {
		t.Fatalf("default config not loadable: %+v", cfg.Orchestrator())
	}
	if err := cfg.SetConflictStrategy("code-wins"); err != nil {
		t.Fatalf("SetConflictStrategy: %v", err)
	}
	reloaded, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Orchestrator().ConflictResolutionStrategy != StrategyCodeWins {
		t.Fatalf("strategy not persisted: %s", reloaded.Orchestrator().ConflictResolutionStrategy)
	}
}

func TestZeroToleranceAndTrustDeltasAreKept(t *testing.T) {
	dir := t.TempDir()
	if err := InitDir(dir); err != nil {
		t.Fatal(err)
	}
	body := "version: 1\norchestrator:\n  fault_tolerance: 0\n  trust_reward: 0\n  trust_penalty: 0\n"
	if err := os.WriteFile(filepath.Join(dir, ConcordDir, "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	check := func(orch *OrchestratorConfig) {
		t.Helper()
		if orch.FaultTolerance != 0 || orch.TrustReward != 0 || orch.TrustPenalty != 0 {
			t.Fatalf("explicit zeros replaced by defaults: %+v", orch)
		}
		if orch.ConsensusThreshold != 0.66 || orch.InitialTrust != 0.5 {
			t.Fatalf("absent keys should keep defaults: %+v", orch)
		}
	}
	check(cfg.Orchestrator())

	if err := cfg.SetConflictStrategy(StrategyMerge); err != nil {
		t.Fatal(err)
	}
	reloaded, err := NewConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	check(reloaded.Orchestrator())

	defaults := DefaultOrchestratorConfig()
	if defaults.FaultTolerance != 0.33 || defaults.TrustReward != 0.02 || defaults.TrustPenalty != 0.01 {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
}
