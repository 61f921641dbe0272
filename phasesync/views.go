package phasesync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultPropertiesTable = "Properties"

// SyncView is one (table, view) pair read by a full run. Views run in
// descending Priority; a record claimed by one view is skipped by the rest.
type SyncView struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	TableId  string         `yaml:"table_id" json:"tableId" validate:"required"`
	ViewId   string         `yaml:"view_id" json:"viewId" validate:"required"`
	Priority int            `yaml:"priority" json:"priority"`
	Forced   *ForcedOutcome `yaml:"forced,omitempty" json:"forced,omitempty"`
}

type viewsFile struct {
	Views []SyncView `yaml:"views"`
}

var viewValidator = validator.New()

// DefaultViews is the built-in view table. Phase views win over the general
// pipeline view, and later phases win over earlier ones.
func DefaultViews() []SyncView {
	forced := func(p models.Phase) *ForcedOutcome {
		return &ForcedOutcome{Phase: p, Status: models.PhaseLabel(p)}
	}
	return []SyncView{
		{Name: "pipeline", TableId: defaultPropertiesTable, ViewId: "Active pipeline", Priority: 0},
		{Name: "inspection", TableId: defaultPropertiesTable, ViewId: "Inspections", Priority: 10, Forced: forced(models.PhaseInspection)},
		{Name: "budget_review", TableId: defaultPropertiesTable, ViewId: "Budgets to review", Priority: 20, Forced: forced(models.PhaseBudgetReview)},
		{Name: "renovation", TableId: defaultPropertiesTable, ViewId: "Renovations in progress", Priority: 30, Forced: forced(models.PhaseRenovation)},
		{Name: "final_inspection", TableId: defaultPropertiesTable, ViewId: "Final inspections", Priority: 40, Forced: forced(models.PhaseFinalInspection)},
		{Name: "cleaning", TableId: defaultPropertiesTable, ViewId: "Cleaning", Priority: 50, Forced: forced(models.PhaseCleaning)},
		{Name: "photo_shoot", TableId: defaultPropertiesTable, ViewId: "Photo shoot", Priority: 60, Forced: forced(models.PhasePhotoShoot)},
		{Name: "ready_to_rent", TableId: defaultPropertiesTable, ViewId: "Ready to rent", Priority: 70, Forced: forced(models.PhaseReadyToRent)},
		{Name: "rented", TableId: defaultPropertiesTable, ViewId: "Rented", Priority: 80, Forced: forced(models.PhaseRented)},
	}
}

// LoadViews reads a YAML view table. An empty path returns DefaultViews.
func LoadViews(path string) ([]SyncView, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultViews(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read views file: %w", err)
	}
	return ParseViews(raw)
}

func ParseViews(raw []byte) ([]SyncView, error) {
	var f viewsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse views file: %w", err)
	}
	if err := ValidateViews(f.Views); err != nil {
		return nil, err
	}
	return f.Views, nil
}

func ValidateViews(views []SyncView) error {
	if len(views) == 0 {
		return errors.New("no views configured")
	}
	names := make(map[string]bool, len(views))
	for i, v := range views {
		if err := viewValidator.Struct(v); err != nil {
			return fmt.Errorf("view %d: %w", i, err)
		}
		if names[v.Name] {
			return fmt.Errorf("view %q: duplicate name", v.Name)
		}
		names[v.Name] = true
		if v.Forced != nil && !v.Forced.Phase.Valid() {
			return fmt.Errorf("view %q: unknown forced phase %q", v.Name, v.Forced.Phase)
		}
	}
	return nil
}

// OrderViews returns the views in processing order, highest priority first,
// keeping table order among equal priorities.
func OrderViews(views []SyncView) []SyncView {
	out := make([]SyncView, len(views))
	copy(out, views)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// FindView matches a view by view id or by name.
func FindView(views []SyncView, idOrName string) (SyncView, error) {
	for _, v := range views {
		if v.ViewId == idOrName || v.Name == idOrName {
			return v, nil
		}
	}
	return SyncView{}, fmt.Errorf("%w: %s", ErrUnknownView, idOrName)
}
