// chunk/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"fmt"
	"strings"
)

// LeadingSizeTolerance is how far the leading chunk's size may be from
// the plan's chunk size.
const LeadingSizeTolerance = 1

// Check identifies one integrity check.
type Check int

const (
	CheckCount Check = iota + 1
	CheckTotalSize
	CheckLeadingSize
	CheckSequence
)

func (c Check) String() string {
	switch c {
	case CheckCount:
		return "count"
	case CheckTotalSize:
		return "total size"
	case CheckLeadingSize:
		return "leading size"
	case CheckSequence:
		return "sequence"
	default:
		return fmt.Sprintf("Check(%d)", int(c))
	}
}

// Failure records a failed check.
type Failure struct {
	Check  Check
	Detail string
}

// Verdict is the result of verifying a chunk set against its plan.
type Verdict struct {
	// Missing is set when there were no chunks at all.
	Missing  bool
	Failures []Failure
}

func (v Verdict) Valid() bool {
	return !v.Missing && len(v.Failures) == 0
}

// Failed reports whether the given check failed.
func (v Verdict) Failed(c Check) bool {
	for _, f := range v.Failures {
		if f.Check == c {
			return true
		}
	}
	return false
}

func (v Verdict) String() string {
	if v.Missing {
		return "missing"
	}
	if len(v.Failures) == 0 {
		return "valid"
	}
	s := make([]string, len(v.Failures))
	for i, f := range v.Failures {
		s[i] = f.Check.String() + ": " + f.Detail
	}
	return "invalid (" + strings.Join(s, "; ") + ")"
}

// Verify checks set against plan. The set is valid only if it has the
// planned number of chunks, their sizes sum to the payload size, the
// leading chunk is the planned chunk size (within LeadingSizeTolerance)
// and the ordinals run 1..n in a single style. Chunk modification times
// play no part.
func Verify(set *Set, plan Plan) Verdict {
	if set == nil || set.Empty() {
		return Verdict{Missing: true}
	}

	var v Verdict
	fail := func(c Check, format string, args ...interface{}) {
		v.Failures = append(v.Failures, Failure{Check: c, Detail: fmt.Sprintf(format, args...)})
	}

	if set.Count() != plan.Count {
		fail(CheckCount, "want %d chunks, found %d", plan.Count, set.Count())
	}
	if set.TotalSize != plan.PayloadSize {
		fail(CheckTotalSize, "want %d bytes, found %d", plan.PayloadSize, set.TotalSize)
	}
	lead, _ := set.Leading()
	if d := lead.Size - plan.FirstChunkSize(); d < -LeadingSizeTolerance || d > LeadingSizeTolerance {
		fail(CheckLeadingSize, "want %d bytes, %s has %d", plan.FirstChunkSize(), lead.Name, lead.Size)
	}
	if err := set.CheckSequence(); err != nil {
		fail(CheckSequence, "%s", strings.Join(set.Names(), ", "))
	}
	return v
}
