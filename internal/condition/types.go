// Package condition turns a condition specification into the conditioning
// inputs the predictor consumes and applies classifier-free dropout.
package condition

import (
	"github.com/samcharles93/ctrlvar/internal/errdefs"
)

// Type is the kind of pixel-aligned control signal.
type Type int

const (
	TypeMask Type = iota
	TypeCanny
	TypeDepth
	TypeNormal
	TypeNone

	// NumTypes counts the valid condition types.
	NumTypes = int(TypeNone) + 1
)

var typeTable = [NumTypes]string{
	TypeMask:   "mask",
	TypeCanny:  "canny",
	TypeDepth:  "depth",
	TypeNormal: "normal",
	TypeNone:   "none",
}

// ParseType resolves a condition type name.
func ParseType(name string) (Type, error) {
	for i, n := range typeTable {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, errdefs.Configf("unknown condition type %q", name)
}

func (t Type) String() string {
	if t < 0 || int(t) >= NumTypes {
		return "unknown"
	}
	return typeTable[t]
}

// Valid reports whether t is one of the table entries.
func (t Type) Valid() bool { return t >= 0 && int(t) < NumTypes }

// Mode selects training or inference behaviour of the resolver.
type Mode int

const (
	// ModeEval never drops conditions.
	ModeEval Mode = iota
	// ModeTrain applies classifier-free dropout per sample.
	ModeTrain
)

// Spec describes the conditions of one batch.
//
// Types is broadcast when it has a single entry and defaults to TypeNone
// when empty. ControlTokens and TargetTokens, when set, hold [S][B][pn²]
// codebook ids that the sampler teacher-forces instead of sampling.
type Spec struct {
	ClassIDs      []int
	Types         []Type
	ControlTokens [][][]int
	TargetTokens  [][][]int
	Guidance      [3]float64
	DropRate      float64
}

// Batch returns the number of samples the spec describes.
func (s Spec) Batch() int { return len(s.ClassIDs) }

// Uniform builds a spec that repeats one class and type over a batch.
func Uniform(classID int, typ Type, batch int) Spec {
	ids := make([]int, batch)
	for i := range ids {
		ids[i] = classID
	}
	return Spec{ClassIDs: ids, Types: []Type{typ}}
}
