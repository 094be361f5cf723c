package session

import (
	"fmt"
	"sort"
	"strings"
)

// Stats is a point-in-time counters snapshot for one session, cheap to
// take on every RunCycle call for logging/metrics without exposing the
// full SessionContext.
type Stats struct {
	Cycle       int
	Iteration   int64
	RPCCount    int
	Provisions  int
	Operations  int
	FaultCounts map[string]int
}

// StatsOf snapshots ctx's current counters.
func StatsOf(ctx *SessionContext) Stats {
	var faults map[string]int
	if ctx.faultCounts != nil {
		faults = make(map[string]int, len(ctx.faultCounts))
		for code, n := range ctx.faultCounts {
			faults[code] = n
		}
	}
	return Stats{
		Cycle:       ctx.Cycle,
		Iteration:   ctx.Iteration,
		RPCCount:    ctx.RPCCount,
		Provisions:  len(ctx.Provisions),
		Operations:  len(ctx.Operations),
		FaultCounts: faults,
	}
}

// RecordFault tallies one occurrence of code against the session's
// lifetime fault counters, read back out through Stats.
func (ctx *SessionContext) RecordFault(code string) {
	if ctx.faultCounts == nil {
		ctx.faultCounts = map[string]int{}
	}
	ctx.faultCounts[code]++
}

// String renders a concise, human-readable one-line report: lead with the
// counters, append fault detail only when there is any.
func (s Stats) String() string {
	base := fmt.Sprintf("cycle=%d iteration=%d rpcs=%d provisions=%d operations=%d",
		s.Cycle, s.Iteration, s.RPCCount, s.Provisions, s.Operations)
	if len(s.FaultCounts) == 0 {
		return base
	}

	codes := make([]string, 0, len(s.FaultCounts))
	for code := range s.FaultCounts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = fmt.Sprintf("%s×%d", code, s.FaultCounts[code])
	}
	return base + " faults: " + strings.Join(parts, ", ")
}

// FaultChannels returns the provisioning channels a non-recoverable fault
// should be attributed to, for a host that wants to record the failure
// against whichever preset/channel requested the work that triggered it.
//
// The declaration IR merges every contributing provision's obligations
// into one shared SyncState before an RPC is ever emitted, so a CPE-level
// or timeout fault generally can't be traced back to the one provision
// responsible. When err names a specific provision (a script failure),
// this narrows to that provision's channels; otherwise it returns the
// union of channels over every provision still part of the current cycle.
func (ctx *SessionContext) FaultChannels(err error) []string {
	if err == nil {
		return nil
	}

	if se, ok := err.(*ScriptError); ok {
		for i, p := range ctx.Provisions {
			if p.Name == se.Name && i < len(ctx.ProvisionChannels) {
				return append([]string(nil), ctx.ProvisionChannels[i]...)
			}
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, channels := range ctx.ProvisionChannels {
		for _, c := range channels {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}
