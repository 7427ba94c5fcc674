package types

import (
	"errors"
	"fmt"
	"sort"
)

// Constants
const (
	// MaxValidators is the maximum number of validators in a set.
	// Voter bitmaps index validators with uint32, but practical limits are far lower.
	MaxValidators = 65535
)

// Errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrEmptyValidatorID   = errors.New("validator has empty id")
)

// Validator is a member of the closed node set
type Validator struct {
	ID        NodeID
	Index     uint16
	PublicKey PublicKey
}

// ValidatorSet is the static membership known to every node.
// Validators are ordered by ID; Index is the position in that order.
type ValidatorSet struct {
	Validators []*Validator
	byID       map[NodeID]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators.
// Input order is irrelevant: every node derives the same canonical order.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	sorted := make([]*Validator, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(sorted)),
		byID:       make(map[NodeID]*Validator, len(sorted)),
	}
	for i, v := range sorted {
		if v == nil || v.ID == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorID, i)
		}
		if _, exists := vs.byID[v.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.ID)
		}
		val := &Validator{
			ID:    v.ID,
			Index: uint16(i),
			PublicKey: PublicKey{
				Type: v.PublicKey.Type,
				Data: append([]byte(nil), v.PublicKey.Data...),
			},
		}
		vs.Validators[i] = val
		vs.byID[v.ID] = val
	}
	return vs, nil
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByID returns a validator by node id
func (vs *ValidatorSet) GetByID(id NodeID) *Validator {
	return vs.byID[id]
}

// GetByIndex returns a validator by its canonical index
func (vs *ValidatorSet) GetByIndex(index uint16) *Validator {
	if int(index) >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[index]
}

// Has reports whether id is a member
func (vs *ValidatorSet) Has(id NodeID) bool {
	_, ok := vs.byID[id]
	return ok
}

// IDs returns the node ids in canonical order
func (vs *ValidatorSet) IDs() []NodeID {
	ids := make([]NodeID, len(vs.Validators))
	for i, v := range vs.Validators {
		ids[i] = v.ID
	}
	return ids
}

// NotarizationThreshold returns the vote count needed to notarize a block:
// the smallest integer >= 2n/3.
func (vs *ValidatorSet) NotarizationThreshold() int {
	return NotarizationThreshold(len(vs.Validators))
}

// MaxFaulty returns the largest f with 3f < n
func (vs *ValidatorSet) MaxFaulty() int {
	return MaxFaulty(len(vs.Validators))
}

// NotarizationThreshold returns ceil(2n/3)
func NotarizationThreshold(n int) int {
	return (2*n + 2) / 3
}

// MaxFaulty returns floor((n-1)/3), the Byzantine tolerance of n nodes
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// Copy creates a deep copy of the validator set
func (vs *ValidatorSet) Copy() *ValidatorSet {
	vals := make([]*Validator, len(vs.Validators))
	copy(vals, vs.Validators)
	// NewValidatorSet cannot fail on an already-valid set
	c, err := NewValidatorSet(vals)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to copy validator set: %v", err))
	}
	return c
}
