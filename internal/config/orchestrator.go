package config

import (
	"fmt"
	"strings"
	"time"
)

// Conflict resolution strategies.
const (
	StrategySpecWins = "spec-wins"
	StrategyCodeWins = "code-wins"
	StrategyMerge    = "merge"
	StrategyManual   = "manual"
)

// Payload equivalence modes.
const (
	EquivalenceExact      = "exact"
	EquivalenceNormalized = "normalized"
)

const (
	defaultConsensusThreshold     = 0.66
	defaultFaultTolerance         = 0.33
	defaultConsensusTimeoutMs     = 300000
	defaultParallelAgentCount     = 2
	defaultHeartbeatTimeoutMs     = 30000
	defaultReassignGraceMs        = 15000
	defaultMaxReassignments       = 3
	defaultTaskResultTimeoutMs    = 120000
	defaultTrustReward            = 0.02
	defaultTrustPenalty           = 0.01
	defaultInitialTrust           = 0.5
	defaultAgentEvictionMs        = 600000
	defaultMaxConsensusExtensions = 3
	defaultSyncConcurrency        = 4
	defaultSweepIntervalMs        = 1000
	defaultSyncIntervalMs         = 0
)

// OrchestratorConfig is passed by pointer into every core component.
// Durations are stored as milliseconds to keep the YAML readable.
type OrchestratorConfig struct {
	ConsensusThreshold         float64  `yaml:"consensus_threshold"`
	FaultTolerance             float64  `yaml:"fault_tolerance"`
	ConsensusTimeoutMs         int      `yaml:"consensus_timeout_ms"`
	ParallelAgentCount         int      `yaml:"parallel_agent_count"`
	AgentHeartbeatTimeoutMs    int      `yaml:"agent_heartbeat_timeout_ms"`
	ConflictResolutionStrategy string   `yaml:"conflict_resolution_strategy"`
	ReassignGraceMs            int      `yaml:"reassign_grace_ms,omitempty"`
	MaxReassignments           int      `yaml:"max_reassignments,omitempty"`
	TaskResultTimeoutMs        int      `yaml:"task_result_timeout_ms,omitempty"`
	TrustReward                float64  `yaml:"trust_reward"`
	TrustPenalty               float64  `yaml:"trust_penalty"`
	InitialTrust               float64  `yaml:"initial_trust,omitempty"`
	AgentEvictionMs            int      `yaml:"agent_eviction_ms,omitempty"`
	MaxConsensusExtensions     int      `yaml:"max_consensus_extensions,omitempty"`
	Equivalence                string   `yaml:"equivalence,omitempty"`
	ValidationCapabilities     []string `yaml:"validation_capabilities,omitempty"`
	HighImpactPrefixes         []string `yaml:"high_impact_prefixes,omitempty"`
	SyncConcurrency            int      `yaml:"sync_concurrency,omitempty"`
	SweepIntervalMs            int      `yaml:"sweep_interval_ms,omitempty"`
	// SyncIntervalMs of zero disables the background sync loop.
	SyncIntervalMs int `yaml:"sync_interval_ms,omitempty"`
}

// DefaultOrchestratorConfig returns the documented defaults. Project configs
// are decoded on top of it, so keys absent from the YAML keep these values.
func DefaultOrchestratorConfig() OrchestratorConfig {
	cfg := OrchestratorConfig{
		FaultTolerance: defaultFaultTolerance,
		TrustReward:    defaultTrustReward,
		TrustPenalty:   defaultTrustPenalty,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values of settings where zero is not a usable
// value. Fault tolerance and the trust deltas may legitimately be zero and
// are left alone.
func (c *OrchestratorConfig) ApplyDefaults() {
	if c.ConsensusThreshold == 0 {
		c.ConsensusThreshold = defaultConsensusThreshold
	}
	if c.ConsensusTimeoutMs == 0 {
		c.ConsensusTimeoutMs = defaultConsensusTimeoutMs
	}
	if c.ParallelAgentCount == 0 {
		c.ParallelAgentCount = defaultParallelAgentCount
	}
	if c.AgentHeartbeatTimeoutMs == 0 {
		c.AgentHeartbeatTimeoutMs = defaultHeartbeatTimeoutMs
	}
	if strings.TrimSpace(c.ConflictResolutionStrategy) == "" {
		c.ConflictResolutionStrategy = StrategySpecWins
	}
	if c.ReassignGraceMs == 0 {
		c.ReassignGraceMs = defaultReassignGraceMs
	}
	if c.MaxReassignments == 0 {
		c.MaxReassignments = defaultMaxReassignments
	}
	if c.TaskResultTimeoutMs == 0 {
		c.TaskResultTimeoutMs = defaultTaskResultTimeoutMs
	}
	if c.InitialTrust == 0 {
		c.InitialTrust = defaultInitialTrust
	}
	if c.AgentEvictionMs == 0 {
		c.AgentEvictionMs = defaultAgentEvictionMs
	}
	if c.MaxConsensusExtensions == 0 {
		c.MaxConsensusExtensions = defaultMaxConsensusExtensions
	}
	if strings.TrimSpace(c.Equivalence) == "" {
		c.Equivalence = EquivalenceExact
	}
	if len(c.ValidationCapabilities) == 0 {
		c.ValidationCapabilities = []string{"review"}
	}
	if c.SyncConcurrency == 0 {
		c.SyncConcurrency = defaultSyncConcurrency
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = defaultSweepIntervalMs
	}
}

// Normalize lowercases enums and drops blank list entries.
func (c *OrchestratorConfig) Normalize() {
	c.ConflictResolutionStrategy = strings.ToLower(strings.TrimSpace(c.ConflictResolutionStrategy))
	c.Equivalence = strings.ToLower(strings.TrimSpace(c.Equivalence))
	c.ValidationCapabilities = compact(c.ValidationCapabilities)
	c.HighImpactPrefixes = compact(c.HighImpactPrefixes)
}

// Validate enforces the ranges the consensus math depends on.
func (c *OrchestratorConfig) Validate() error {
	if c.ConsensusThreshold <= 0.5 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold %.2f must be in (0.5, 1]", c.ConsensusThreshold)
	}
	if c.FaultTolerance < 0 || c.FaultTolerance >= 0.5 {
		return fmt.Errorf("fault_tolerance %.2f must be in [0, 0.5)", c.FaultTolerance)
	}
	counts := map[string]int{
		"consensus_timeout_ms":       c.ConsensusTimeoutMs,
		"parallel_agent_count":       c.ParallelAgentCount,
		"agent_heartbeat_timeout_ms": c.AgentHeartbeatTimeoutMs,
		"reassign_grace_ms":          c.ReassignGraceMs,
		"max_reassignments":          c.MaxReassignments,
		"task_result_timeout_ms":     c.TaskResultTimeoutMs,
		"agent_eviction_ms":          c.AgentEvictionMs,
		"max_consensus_extensions":   c.MaxConsensusExtensions,
		"sync_concurrency":           c.SyncConcurrency,
		"sweep_interval_ms":          c.SweepIntervalMs,
	}
	for key, value := range counts {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if c.SyncIntervalMs < 0 {
		return fmt.Errorf("sync_interval_ms must be >= 0")
	}
	switch c.ConflictResolutionStrategy {
	case StrategySpecWins, StrategyCodeWins, StrategyMerge, StrategyManual:
	default:
		return fmt.Errorf("conflict_resolution_strategy %q is not one of spec-wins, code-wins, merge, manual", c.ConflictResolutionStrategy)
	}
	switch c.Equivalence {
	case EquivalenceExact, EquivalenceNormalized:
	default:
		return fmt.Errorf("equivalence %q must be exact or normalized", c.Equivalence)
	}
	for _, trust := range []float64{c.TrustReward, c.TrustPenalty, c.InitialTrust} {
		if trust < 0 || trust > 1 {
			return fmt.Errorf("trust values must be within [0, 1]")
		}
	}
	if len(c.ValidationCapabilities) == 0 {
		return fmt.Errorf("validation_capabilities must not be empty")
	}
	return nil
}

func (c *OrchestratorConfig) ConsensusTimeout() time.Duration {
	return time.Duration(c.ConsensusTimeoutMs) * time.Millisecond
}

func (c *OrchestratorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.AgentHeartbeatTimeoutMs) * time.Millisecond
}

func (c *OrchestratorConfig) ReassignGrace() time.Duration {
	return time.Duration(c.ReassignGraceMs) * time.Millisecond
}

func (c *OrchestratorConfig) TaskResultTimeout() time.Duration {
	return time.Duration(c.TaskResultTimeoutMs) * time.Millisecond
}

func (c *OrchestratorConfig) AgentEviction() time.Duration {
	return time.Duration(c.AgentEvictionMs) * time.Millisecond
}

func (c *OrchestratorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c *OrchestratorConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
