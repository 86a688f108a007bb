// internal/config/config.go
//
// This package handles configuration and the .concord directory structure.
// Every project that runs concord gets a .concord/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ConcordDir is the name of the directory we create in each project
	ConcordDir = ".concord"

	defaultSpecTree      = ".concord/spec"
	defaultCodeTree      = ".concord/code"
	defaultCodeExtension = ".txt"
	defaultStorageDriver = StorageSQLite
	defaultStorageFile   = "state/concord.db"
	defaultGatewayHost   = "127.0.0.1"
	defaultGatewayPort   = 8765
	defaultGenerator     = GeneratorPassthrough
)

// Text generators selectable in the generator section.
const (
	GeneratorPassthrough = "passthrough"
	GeneratorTemplate    = "template"
)

// Storage drivers understood by the orchestrator.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

const defaultProjectConfigYAML = `# concord project configuration
version: 1

# Artifact trees kept in sync. Paths are relative to the project root.
trees:
  spec: .concord/spec
  code: .concord/code
  code_extension: .txt

# sqlite persists state under .concord/state so one-shot commands share it.
# memory keeps state only for the lifetime of a serve or dashboard process.
storage:
  driver: sqlite
  path: state/concord.db

gateway:
  enabled: true
  host: 127.0.0.1
  port: 8765

# passthrough copies content between trees; template renders it through a
# Go text/template with .Key, .From, .To, .Content and .Fields.
generator:
  name: passthrough

orchestrator:
  consensus_threshold: 0.66
  fault_tolerance: 0.33
  consensus_timeout_ms: 300000
  parallel_agent_count: 2
  agent_heartbeat_timeout_ms: 30000
  conflict_resolution_strategy: spec-wins
  trust_reward: 0.02
  trust_penalty: 0.01
`

// TreeConfig points at the two artifact trees.
type TreeConfig struct {
	Spec          string `yaml:"spec"`
	Code          string `yaml:"code"`
	CodeExtension string `yaml:"code_extension,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// GatewayConfig captures the HTTP gateway preferences.
type GatewayConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// PluginConfig locates scripted hooks.
type PluginConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// WorkflowConfig locates YAML phase definitions.
type WorkflowConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// GeneratorConfig selects the text generator used when one tree is
// regenerated from the other.
type GeneratorConfig struct {
	Name     string `yaml:"name,omitempty"`
	Template string `yaml:"template,omitempty"`
}

// ProjectConfig models .concord/config.yaml.
type ProjectConfig struct {
	Version      int                `yaml:"version"`
	Trees        TreeConfig         `yaml:"trees"`
	Storage      StorageConfig      `yaml:"storage"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Plugins      PluginConfig       `yaml:"plugins,omitempty"`
	Workflows    WorkflowConfig     `yaml:"workflows,omitempty"`
	Generator    GeneratorConfig    `yaml:"generator,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// Config holds the runtime configuration for concord.
type Config struct {
	// ProjectDir is the directory where the user ran `concord` from
	ProjectDir string

	// ConcordProjectDir is ProjectDir/.concord
	ConcordProjectDir string

	Project ProjectConfig
}

// InitDir creates the .concord directory structure in the given project directory.
//
// Structure created:
// .concord/
// ├── logs/       <- concord.log
// ├── state/      <- sqlite database (storage.driver sqlite)
// ├── spec/       <- default specification tree
// ├── code/       <- default generated-output tree
// ├── plugins/    <- scripted similarity / high-impact hooks
// └── workflows/  <- YAML phase definitions
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, ConcordDir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
		filepath.Join(root, "spec"),
		filepath.Join(root, "code"),
		filepath.Join(root, "plugins"),
		filepath.Join(root, "workflows"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:        projectDir,
		ConcordProjectDir: filepath.Join(projectDir, ConcordDir),
		Project:           defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Orchestrator returns the component configuration shared by every core constructor.
func (c *Config) Orchestrator() *OrchestratorConfig {
	return &c.Project.Orchestrator
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.ConcordProjectDir, "logs")
}

// SpecTreeDir returns the absolute specification tree root.
func (c *Config) SpecTreeDir() string {
	return c.Project.Trees.Spec
}

// CodeTreeDir returns the absolute generated-output tree root.
func (c *Config) CodeTreeDir() string {
	return c.Project.Trees.Code
}

// StoragePath returns the sqlite database location.
func (c *Config) StoragePath() string {
	return c.Project.Storage.Path
}

// PluginsDir returns the directory scanned for scripted hooks.
func (c *Config) PluginsDir() string {
	return c.Project.Plugins.Dir
}

// WorkflowsDir returns the directory holding workflow definitions.
func (c *Config) WorkflowsDir() string {
	return c.Project.Workflows.Dir
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.ConcordProjectDir, "config.yaml")
}

// GatewayEnabled reports whether the HTTP gateway should be started.
func (c *Config) GatewayEnabled() bool {
	if c.Project.Gateway.Enabled == nil {
		return true
	}
	return *c.Project.Gateway.Enabled
}

// SetConflictStrategy updates the deployment strategy and persists it.
func (c *Config) SetConflictStrategy(strategy string) error {
	strategy = strings.TrimSpace(strategy)
	if strategy == "" {
		return fmt.Errorf("config: conflict strategy is required")
	}
	c.Project.Orchestrator.ConflictResolutionStrategy = strategy
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	parsed := defaultProjectConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.applyEnvOverrides()
	parsed.normalize(c.ProjectDir, c.ConcordProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Trees: TreeConfig{
			Spec:          defaultSpecTree,
			Code:          defaultCodeTree,
			CodeExtension: defaultCodeExtension,
		},
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
			Path:   defaultStorageFile,
		},
		Gateway: GatewayConfig{
			Host: defaultGatewayHost,
			Port: defaultGatewayPort,
		},
		Generator:    GeneratorConfig{Name: defaultGenerator},
		Orchestrator: DefaultOrchestratorConfig(),
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Trees.Spec) == "" {
		pc.Trees.Spec = defaultSpecTree
	}
	if strings.TrimSpace(pc.Trees.Code) == "" {
		pc.Trees.Code = defaultCodeTree
	}
	if strings.TrimSpace(pc.Trees.CodeExtension) == "" {
		pc.Trees.CodeExtension = defaultCodeExtension
	}
	if strings.TrimSpace(pc.Storage.Driver) == "" {
		pc.Storage.Driver = defaultStorageDriver
	}
	if strings.TrimSpace(pc.Storage.Path) == "" {
		pc.Storage.Path = defaultStorageFile
	}
	if strings.TrimSpace(pc.Gateway.Host) == "" {
		pc.Gateway.Host = defaultGatewayHost
	}
	if pc.Gateway.Port == 0 {
		pc.Gateway.Port = defaultGatewayPort
	}
	if strings.TrimSpace(pc.Generator.Name) == "" {
		pc.Generator.Name = defaultGenerator
	}
	pc.Orchestrator.ApplyDefaults()
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("CONCORD_CONSENSUS_THRESHOLD")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			pc.Orchestrator.ConsensusThreshold = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CONCORD_CONFLICT_STRATEGY")); value != "" {
		pc.Orchestrator.ConflictResolutionStrategy = value
	}
	if value := strings.TrimSpace(os.Getenv("CONCORD_GATEWAY_HOST")); value != "" {
		pc.Gateway.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("CONCORD_GATEWAY_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			pc.Gateway.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CONCORD_STORAGE_DRIVER")); value != "" {
		pc.Storage.Driver = value
	}
}

func (pc *ProjectConfig) normalize(projectDir, concordDir string) {
	pc.Trees.Spec = resolvePath(projectDir, pc.Trees.Spec)
	pc.Trees.Code = resolvePath(projectDir, pc.Trees.Code)
	ext := strings.TrimSpace(pc.Trees.CodeExtension)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	pc.Trees.CodeExtension = ext
	pc.Storage.Driver = strings.ToLower(strings.TrimSpace(pc.Storage.Driver))
	pc.Storage.Path = resolvePath(concordDir, pc.Storage.Path)
	pc.Gateway.Host = strings.TrimSpace(pc.Gateway.Host)
	pc.Generator.Name = strings.ToLower(strings.TrimSpace(pc.Generator.Name))
	if strings.TrimSpace(pc.Plugins.Dir) == "" {
		pc.Plugins.Dir = filepath.Join(concordDir, "plugins")
	} else {
		pc.Plugins.Dir = resolvePath(projectDir, pc.Plugins.Dir)
	}
	if strings.TrimSpace(pc.Workflows.Dir) == "" {
		pc.Workflows.Dir = filepath.Join(concordDir, "workflows")
	} else {
		pc.Workflows.Dir = resolvePath(projectDir, pc.Workflows.Dir)
	}
	pc.Orchestrator.Normalize()
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Trees.Spec == pc.Trees.Code {
		return fmt.Errorf("trees.spec and trees.code must differ")
	}
	switch pc.Storage.Driver {
	case StorageMemory, StorageSQLite:
	default:
		return fmt.Errorf("storage.driver must be '%s' or '%s'", StorageMemory, StorageSQLite)
	}
	if pc.Gateway.Port <= 0 || pc.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", pc.Gateway.Port)
	}
	switch pc.Generator.Name {
	case GeneratorPassthrough:
	case GeneratorTemplate:
		if strings.TrimSpace(pc.Generator.Template) == "" {
			return fmt.Errorf("generator.template is required for the template generator")
		}
	default:
		return fmt.Errorf("generator.name must be '%s' or '%s'", GeneratorPassthrough, GeneratorTemplate)
	}
	if err := pc.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir, c.ConcordProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.ConcordProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure concord dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
