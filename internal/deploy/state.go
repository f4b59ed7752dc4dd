package deploy

import (
	"fmt"
	"slices"
)

// State is a region deployment's lifecycle position. States only move
// forward; any failure jumps to CleaningUp.
type State int

const (
	Pending State = iota
	Provisioning
	AwaitingAddress
	Polling
	Retrieving
	CleaningUp
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Provisioning:
		return "provisioning"
	case AwaitingAddress:
		return "awaiting-address"
	case Polling:
		return "polling"
	case Retrieving:
		return "retrieving"
	case CleaningUp:
		return "cleaning-up"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

var transitions = map[State][]State{
	Pending:         {Provisioning, CleaningUp},
	Provisioning:    {AwaitingAddress, CleaningUp},
	AwaitingAddress: {Polling, CleaningUp},
	Polling:         {Retrieving, CleaningUp},
	Retrieving:      {CleaningUp},
	CleaningUp:      {Succeeded, Failed},
}

// CanTransition reports whether 'to' may directly follow s.
func (s State) CanTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}
