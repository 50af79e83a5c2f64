package common

import "github.com/google/uuid"

// IndexingAction is one grain's durable request to update every index that
// watches one of its properties, keyed for idempotent replay by ActionID.
type IndexingAction struct {
	ActionID       uuid.UUID
	Grain          GrainRef
	InterfaceType  string
	UpdatesByIndex map[string]PropertyUpdate
}

// NewIndexingAction stamps a fresh random ActionID; a controller enqueues
// one action per commit.
func NewIndexingAction(grain GrainRef, interfaceType string, updates map[string]PropertyUpdate) IndexingAction {
	return IndexingAction{
		ActionID:       uuid.New(),
		Grain:          grain,
		InterfaceType:  interfaceType,
		UpdatesByIndex: updates,
	}
}
