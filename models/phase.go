package models

// Phase is the canonical kanban phase stored on a property.
type Phase string

const (
	PhaseInitialCheck        Phase = "initial_check"
	PhaseVisitScheduled      Phase = "visit_scheduled"
	PhaseInspection          Phase = "inspection"
	PhaseBudgetPending       Phase = "budget_pending"
	PhaseBudgetReview        Phase = "budget_review"
	PhaseBudgetApproved      Phase = "budget_approved"
	PhaseContractorAssigned  Phase = "contractor_assigned"
	PhaseRenovationScheduled Phase = "renovation_scheduled"
	PhaseRenovation          Phase = "renovation"
	PhaseRenovationDone      Phase = "renovation_done"
	PhaseFinalInspection     Phase = "final_inspection"
	PhaseCleaning            Phase = "cleaning"
	PhasePhotoShoot          Phase = "photo_shoot"
	PhaseReadyToRent         Phase = "ready_to_rent"
	PhaseRented              Phase = "rented"
	PhaseSettlementPending   Phase = "settlement_pending"
	PhaseSettled             Phase = "settled"
	PhaseOnHold              Phase = "on_hold"
	PhaseCancelled           Phase = "cancelled"
)

// PhaseInitial is where a reset property lands.
const PhaseInitial = PhaseInitialCheck

// kanban column order
var phaseOrder = []Phase{
	PhaseInitialCheck,
	PhaseVisitScheduled,
	PhaseInspection,
	PhaseBudgetPending,
	PhaseBudgetReview,
	PhaseBudgetApproved,
	PhaseContractorAssigned,
	PhaseRenovationScheduled,
	PhaseRenovation,
	PhaseRenovationDone,
	PhaseFinalInspection,
	PhaseCleaning,
	PhasePhotoShoot,
	PhaseReadyToRent,
	PhaseRented,
	PhaseSettlementPending,
	PhaseSettled,
	PhaseOnHold,
	PhaseCancelled,
}

var phaseLabels = map[Phase]string{
	PhaseInitialCheck:        "Initial check",
	PhaseVisitScheduled:      "Visit scheduled",
	PhaseInspection:          "Inspection",
	PhaseBudgetPending:       "Budget pending",
	PhaseBudgetReview:        "Budget review",
	PhaseBudgetApproved:      "Budget approved",
	PhaseContractorAssigned:  "Contractor assigned",
	PhaseRenovationScheduled: "Renovation scheduled",
	PhaseRenovation:          "Renovation in progress",
	PhaseRenovationDone:      "Renovation done",
	PhaseFinalInspection:     "Final inspection",
	PhaseCleaning:            "Cleaning",
	PhasePhotoShoot:          "Photo shoot",
	PhaseReadyToRent:         "Ready to rent",
	PhaseRented:              "Rented",
	PhaseSettlementPending:   "Settlement pending",
	PhaseSettled:             "Settled",
	PhaseOnHold:              "On hold",
	PhaseCancelled:           "Cancelled",
}

func (p Phase) Valid() bool {
	_, ok := phaseLabels[p]
	return ok
}

func (p Phase) String() string {
	return string(p)
}

// AllPhases returns the phases in kanban order.
func AllPhases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// PhaseLabel returns the default status text for a phase, or "" for an unknown phase.
func PhaseLabel(p Phase) string {
	return phaseLabels[p]
}
