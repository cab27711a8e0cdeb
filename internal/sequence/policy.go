// Package sequence merges per-scale target and control token blocks into one
// training sequence and selects the loss mask that matches the layout.
package sequence

import (
	"math/rand"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
)

// Policy selects how the control and target streams are merged.
type Policy int

const (
	// PolicyInterleaveAppend zips both streams scale by scale.
	PolicyInterleaveAppend Policy = iota
	// PolicyReplace overwrites even scales of the target with the control.
	PolicyReplace
)

var policyNames = map[string]Policy{
	"interleave_append": PolicyInterleaveAppend,
	"replace":           PolicyReplace,
}

// ParsePolicy resolves a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	p, ok := policyNames[name]
	if !ok {
		return 0, errdefs.Configf("unknown interleave policy %q", name)
	}
	return p, nil
}

func (p Policy) String() string {
	switch p {
	case PolicyInterleaveAppend:
		return "interleave_append"
	case PolicyReplace:
		return "replace"
	default:
		return "unknown"
	}
}

func (p Policy) valid() bool {
	return p == PolicyInterleaveAppend || p == PolicyReplace
}

// Interleaved reports whether both streams occupy their own positions.
func (p Policy) Interleaved() bool { return p == PolicyInterleaveAppend }

// Stream names one of the two parallel token streams.
type Stream int

const (
	StreamControl Stream = iota
	StreamTarget
)

func (s Stream) String() string {
	if s == StreamControl {
		return "control"
	}
	return "target"
}

// Other returns the opposite stream.
func (s Stream) Other() Stream {
	if s == StreamControl {
		return StreamTarget
	}
	return StreamControl
}

// ResolveMaskFirst decides once per batch whether the control stream leads.
// Interleaving defaults to control first; with bidirectional set the order
// is flipped with probability 0.5. Replace always puts the target first.
func ResolveMaskFirst(policy Policy, bidirectional bool, rng *rand.Rand) bool {
	if policy != PolicyInterleaveAppend {
		return false
	}
	if bidirectional && rng.Float64() < 0.5 {
		return false
	}
	return true
}
