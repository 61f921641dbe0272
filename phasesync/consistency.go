package phasesync

import "bitbucket.org/mmdatafocus/renovation_backend/models"

// PhaseState is the pair of redundant fields kept in step on a property.
type PhaseState struct {
	Phase   models.Phase
	Status  string
	Changed bool
}

// EnforcePhase applies the write priority with the built-in mapper.
func EnforcePhase(current PhaseState, newPhase *models.Phase, newStatus *string) PhaseState {
	return defaultMapper.Enforce(current, newPhase, newStatus)
}

// Enforce decides the phase and status to persist.
//
// An explicit phase is written as given and the status is taken from the
// caller, never recomputed from the phase. A status alone derives the phase
// through the mapper and leaves the phase as it was when nothing matches.
// With neither, the current state is kept.
func (m *PhaseMapper) Enforce(current PhaseState, newPhase *models.Phase, newStatus *string) PhaseState {
	next := PhaseState{Phase: current.Phase, Status: current.Status}
	switch {
	case newPhase != nil:
		next.Phase = *newPhase
		if newStatus != nil {
			next.Status = *newStatus
		}
	case newStatus != nil:
		next.Status = *newStatus
		if p, ok := m.Map(newStatus, nil); ok {
			next.Phase = p
		}
	}
	next.Changed = next.Phase != current.Phase || next.Status != current.Status
	return next
}
