// Package consensus groups competing proposals for a task into equivalence
// classes and decides whether enough agents agree to approve one payload.
package consensus

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/concord/internal/config"
)

var (
	ErrUnknownRound       = errors.New("consensus: unknown round")
	ErrRoundClosed        = errors.New("consensus: round already closed")
	ErrDuplicateProposal  = errors.New("consensus: agent already proposed")
	ErrRoundRejected      = errors.New("consensus: round rejected")
	ErrRoundTimedOut      = errors.New("consensus: round timed out")
	ErrUnknownEquivalence = errors.New("consensus: unknown equivalence")
)

// Outcome is the round state.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimedOut Outcome = "timed_out"
)

// Proposal is one agent's submitted result for a task.
type Proposal struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	PayloadHash string    `json:"payload_hash"`
	Payload     []byte    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Round collects the proposals and the voting result for one task.
type Round struct {
	TaskID         string     `json:"task_id"`
	Proposals      []Proposal `json:"proposals"`
	Threshold      float64    `json:"threshold"`
	FaultTolerance float64    `json:"fault_tolerance"`
	Expected       int        `json:"expected"`
	Quorum         int        `json:"quorum"`
	Outcome        Outcome    `json:"outcome"`
	Decision       []byte     `json:"decision,omitempty"`
	DecisionHash   string     `json:"decision_hash,omitempty"`
	Winners        []string   `json:"winners,omitempty"`
	Penalized      []string   `json:"penalized,omitempty"`
	Extensions     int        `json:"extensions"`
	Reason         string     `json:"reason,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       time.Time  `json:"closed_at,omitempty"`
}

func (r Round) RecordKey() string    { return r.TaskID }
func (r Round) RecordStatus() string { return string(r.Outcome) }

// Closed reports whether the round left pending.
func (r Round) Closed() bool {
	return r.Outcome != OutcomePending
}

// Err maps a failed outcome to its sentinel error.
func (r Round) Err() error {
	switch r.Outcome {
	case OutcomeRejected:
		return fmt.Errorf("%w: %s", ErrRoundRejected, r.Reason)
	case OutcomeTimedOut:
		return fmt.Errorf("%w: %s", ErrRoundTimedOut, r.Reason)
	}
	return nil
}

// HashPayload returns the hex SHA-256 of a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Equivalence decides whether two payloads belong to the same class.
type Equivalence func(a, b []byte) bool

// Exact treats payloads as equivalent only when byte-identical.
func Exact(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Normalized ignores leading/trailing whitespace and collapses internal runs.
func Normalized(a, b []byte) bool {
	return normalize(a) == normalize(b)
}

func normalize(payload []byte) string {
	return strings.Join(strings.Fields(string(payload)), " ")
}

// EquivalenceFor resolves a configured equivalence name.
func EquivalenceFor(name string) (Equivalence, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", config.EquivalenceExact:
		return Exact, nil
	case config.EquivalenceNormalized:
		return Normalized, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEquivalence, name)
}
