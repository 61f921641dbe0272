package phasesync

import (
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
)

// ForcedOutcome is the phase and status a view imposes on every record it returns.
type ForcedOutcome struct {
	Phase  models.Phase `yaml:"phase" json:"phase" validate:"required"`
	Status string       `yaml:"status" json:"status"`
}

// StatusText is the status written alongside the forced phase.
func (f ForcedOutcome) StatusText() string {
	if strings.TrimSpace(f.Status) != "" {
		return f.Status
	}
	return models.PhaseLabel(f.Phase)
}

// statusPhaseTable covers the canonical labels plus the legacy Spanish labels
// still present in older source rows.
var statusPhaseTable = map[string]models.Phase{
	"Initial check":            models.PhaseInitialCheck,
	"Pending review":           models.PhaseInitialCheck,
	"Revisión inicial":         models.PhaseInitialCheck,
	"Pendiente de revisión":    models.PhaseInitialCheck,
	"Visit scheduled":          models.PhaseVisitScheduled,
	"Visita programada":        models.PhaseVisitScheduled,
	"Visita agendada":          models.PhaseVisitScheduled,
	"Inspection":               models.PhaseInspection,
	"Inspección":               models.PhaseInspection,
	"Inspección inicial":       models.PhaseInspection,
	"Budget pending":           models.PhaseBudgetPending,
	"Presupuesto pendiente":    models.PhaseBudgetPending,
	"Pendiente de presupuesto": models.PhaseBudgetPending,
	"Budget review":            models.PhaseBudgetReview,
	"Budget received":          models.PhaseBudgetReview,
	"Presupuesto recibido":     models.PhaseBudgetReview,
	"Revisión de presupuesto":  models.PhaseBudgetReview,
	"Budget approved":          models.PhaseBudgetApproved,
	"Presupuesto aprobado":     models.PhaseBudgetApproved,
	"Contractor assigned":      models.PhaseContractorAssigned,
	"Reformista asignado":      models.PhaseContractorAssigned,
	"Contratista asignado":     models.PhaseContractorAssigned,
	"Renovation scheduled":     models.PhaseRenovationScheduled,
	"Reforma programada":       models.PhaseRenovationScheduled,
	"Renovation":               models.PhaseRenovation,
	"Renovation in progress":   models.PhaseRenovation,
	"Reforma en curso":         models.PhaseRenovation,
	"En obras":                 models.PhaseRenovation,
	"Renovation done":          models.PhaseRenovationDone,
	"Renovation finished":      models.PhaseRenovationDone,
	"Reforma terminada":        models.PhaseRenovationDone,
	"Reforma finalizada":       models.PhaseRenovationDone,
	"Final inspection":         models.PhaseFinalInspection,
	"Inspección final":         models.PhaseFinalInspection,
	"Cleaning":                 models.PhaseCleaning,
	"Limpieza":                 models.PhaseCleaning,
	"Photo shoot":              models.PhasePhotoShoot,
	"Sesión de fotos":          models.PhasePhotoShoot,
	"Fotos":                    models.PhasePhotoShoot,
	"Ready to rent":            models.PhaseReadyToRent,
	"Listo para alquilar":      models.PhaseReadyToRent,
	"Rented":                   models.PhaseRented,
	"Alquilado":                models.PhaseRented,
	"Settlement pending":       models.PhaseSettlementPending,
	"Pendiente de liquidación": models.PhaseSettlementPending,
	"Settled":                  models.PhaseSettled,
	"Liquidado":                models.PhaseSettled,
	"On hold":                  models.PhaseOnHold,
	"Paused":                   models.PhaseOnHold,
	"En pausa":                 models.PhaseOnHold,
	"Cancelled":                models.PhaseCancelled,
	"Canceled":                 models.PhaseCancelled,
	"Cancelado":                models.PhaseCancelled,
}

type mapperKey struct {
	key   string
	phase models.Phase
}

// PhaseMapper maps free-text status to a canonical phase. It is immutable
// after construction and safe for concurrent use.
type PhaseMapper struct {
	exact      map[string]models.Phase
	normalized map[string]models.Phase
	// longest normalized key first, ties lexicographic
	ordered []mapperKey
}

var defaultMapper = NewPhaseMapper(nil)

// NewPhaseMapper builds a mapper from the built-in table plus extra entries.
// Extra entries replace built-in ones with the same raw key.
func NewPhaseMapper(extra map[string]models.Phase) *PhaseMapper {
	exact := make(map[string]models.Phase, len(statusPhaseTable)+len(extra))
	for k, v := range statusPhaseTable {
		exact[k] = v
	}
	for k, v := range extra {
		exact[k] = v
	}

	rawKeys := make([]string, 0, len(exact))
	for k := range exact {
		rawKeys = append(rawKeys, k)
	}
	sort.Strings(rawKeys)

	normalized := make(map[string]models.Phase, len(exact))
	for _, k := range rawKeys {
		nk := NormalizeStatus(k)
		if nk == "" {
			continue
		}
		if _, seen := normalized[nk]; !seen {
			normalized[nk] = exact[k]
		}
	}

	ordered := make([]mapperKey, 0, len(normalized))
	for k, v := range normalized {
		ordered = append(ordered, mapperKey{key: k, phase: v})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].key) != len(ordered[j].key) {
			return len(ordered[i].key) > len(ordered[j].key)
		}
		return ordered[i].key < ordered[j].key
	})

	return &PhaseMapper{exact: exact, normalized: normalized, ordered: ordered}
}

// MapPhase maps with the built-in table. See PhaseMapper.Map.
func MapPhase(rawStatus *string, forced *ForcedOutcome) (models.Phase, bool) {
	return defaultMapper.Map(rawStatus, forced)
}

// Map returns the phase for a status. A forced outcome always wins. Otherwise
// the status is tried by exact key, then normalized key, then by substring
// containment of the longest key. ok is false when nothing matches; callers
// must then leave the stored phase as it is.
func (m *PhaseMapper) Map(rawStatus *string, forced *ForcedOutcome) (models.Phase, bool) {
	if forced != nil && forced.Phase != "" {
		return forced.Phase, true
	}
	if rawStatus == nil {
		return "", false
	}
	if p, ok := m.exact[*rawStatus]; ok {
		return p, true
	}
	n := NormalizeStatus(*rawStatus)
	if n == "" {
		return "", false
	}
	if p, ok := m.normalized[n]; ok {
		return p, true
	}
	for _, k := range m.ordered {
		if strings.Contains(n, k.key) {
			return k.phase, true
		}
	}
	return "", false
}
