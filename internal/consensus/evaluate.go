package consensus

import (
	"sort"
	"time"
)

// Verdict is the result of evaluating a round at a point in time.
type Verdict struct {
	Outcome     Outcome
	Decision    []byte
	Hash        string
	Winners     []string
	Minority    []string
	Penalize    bool
	RequestMore bool
	Largest     int
	Total       int
	Fraction    float64
	Reason      string
}

// Params tunes Evaluate.
type Params struct {
	Timeout       time.Duration
	MaxExtensions int
	Equivalent    Equivalence
}

const epsilon = 1e-9

type class struct {
	representative Proposal
	members        []Proposal
}

// Evaluate computes the verdict for a round. The result depends only on the
// multiset of proposals, the round parameters and the clock: proposals are
// grouped in canonical (payload hash, agent id) order.
func Evaluate(round Round, now time.Time, params Params) Verdict {
	equivalent := params.Equivalent
	if equivalent == nil {
		equivalent = Exact
	}
	proposals := canonical(round.Proposals)
	total := len(proposals)
	expired := params.Timeout > 0 && now.Sub(round.OpenedAt) >= params.Timeout
	canExtend := !expired && round.Extensions < params.MaxExtensions

	minimum := round.Quorum
	if minimum <= 0 {
		minimum = 2
		if round.Expected > 0 && round.Expected < minimum {
			minimum = round.Expected
		}
	}
	if total < minimum {
		if expired {
			return Verdict{Outcome: OutcomeTimedOut, Total: total, Reason: "too few proposals before timeout"}
		}
		// a round whose assignees all reported can only progress with a fresh agent
		more := total > 0 && total >= round.Expected && canExtend
		return Verdict{Outcome: OutcomePending, Total: total, RequestMore: more}
	}

	classes := group(proposals, equivalent)
	winner := classes[0]
	tie := len(classes) > 1 && len(classes[1].members) == len(winner.members)
	largest := len(winner.members)
	fraction := float64(largest) / float64(total)
	verdict := Verdict{Largest: largest, Total: total, Fraction: fraction}

	if fraction+epsilon >= round.Threshold {
		verdict.Outcome = OutcomeApproved
		verdict.Decision = winner.representative.Payload
		verdict.Hash = winner.representative.PayloadHash
		verdict.Winners = agentIDs(winner.members)
		return verdict
	}
	if total < round.Expected && !expired {
		verdict.Outcome = OutcomePending
		return verdict
	}
	divergent := float64(total-largest) / float64(total)
	if canExtend && divergent+epsilon < round.FaultTolerance {
		verdict.Outcome = OutcomePending
		verdict.RequestMore = true
		return verdict
	}

	verdict.Outcome = OutcomeRejected
	verdict.Reason = "no payload reached the agreement threshold"
	if tie {
		verdict.Reason = "tie between payloads"
		return verdict
	}
	// a majority one vote short of threshold marks the minority as faulty
	if float64(largest+1)+epsilon >= round.Threshold*float64(total) {
		verdict.Penalize = true
		for _, c := range classes[1:] {
			verdict.Minority = append(verdict.Minority, agentIDs(c.members)...)
		}
		sort.Strings(verdict.Minority)
	}
	return verdict
}

func canonical(proposals []Proposal) []Proposal {
	out := make([]Proposal, len(proposals))
	copy(out, proposals)
	sort.Slice(out, func(i, j int) bool {
		if out[i].PayloadHash != out[j].PayloadHash {
			return out[i].PayloadHash < out[j].PayloadHash
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// group assigns each proposal to the first class whose representative it is
// equivalent to, then orders classes by size descending and representative
// hash ascending.
func group(proposals []Proposal, equivalent Equivalence) []class {
	var classes []class
	for _, proposal := range proposals {
		placed := false
		for i := range classes {
			if equivalent(classes[i].representative.Payload, proposal.Payload) {
				classes[i].members = append(classes[i].members, proposal)
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, class{representative: proposal, members: []Proposal{proposal}})
		}
	}
	sort.SliceStable(classes, func(i, j int) bool {
		if len(classes[i].members) != len(classes[j].members) {
			return len(classes[i].members) > len(classes[j].members)
		}
		return classes[i].representative.PayloadHash < classes[j].representative.PayloadHash
	})
	return classes
}

func agentIDs(proposals []Proposal) []string {
	out := make([]string, len(proposals))
	for i, proposal := range proposals {
		out[i] = proposal.AgentID
	}
	sort.Strings(out)
	return out
}
