package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SyncRunOutcomeSuccess  = "success"
	SyncRunOutcomePartial  = "partial"
	SyncRunOutcomeFailed   = "failed"
	SyncRunOutcomeRejected = "rejected"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduled = "scheduled"
	SyncTriggeredWebhook   = "webhook"
	SyncTriggeredCLI       = "cli"
)

const (
	SyncScopeFull     = "full"
	SyncScopeProperty = "property"
)

// PhaseSyncRun is the persisted report of one orchestrator invocation.
type PhaseSyncRun struct {
	ID              uint           `gorm:"primary_key" json:"id"`
	RunId           string         `gorm:"size:36;not null;uniqueIndex" json:"run_id"`
	Scope           string         `gorm:"size:20;not null" json:"scope"`
	ExternalId      string         `gorm:"size:64;index" json:"external_id"`
	Outcome         string         `gorm:"size:20;not null;index" json:"outcome"`
	TriggeredBy     string         `gorm:"size:20" json:"triggered_by"`
	Created         int            `json:"created"`
	Updated         int            `json:"updated"`
	Unchanged       int            `json:"unchanged"`
	Skipped         int            `json:"skipped"`
	Errored         int            `json:"errored"`
	TriggersFired   int            `json:"triggers_fired"`
	TriggerFailures int            `json:"trigger_failures"`
	ViewsJSON       datatypes.JSON `json:"views"`
	DetailsJSON     datatypes.JSON `json:"details"`
	DetailsDropped  int            `json:"details_dropped"`
	StartedAt       *time.Time     `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at"`
	DurationMs      int64          `json:"duration_ms"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func ListPhaseSyncRuns(ctx context.Context, db *gorm.DB, limit int) ([]PhaseSyncRun, error) {
	var runs []PhaseSyncRun
	err := db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetPhaseSyncRun returns nil, nil when the run id is unknown.
func GetPhaseSyncRun(ctx context.Context, db *gorm.DB, runId string) (*PhaseSyncRun, error) {
	var run PhaseSyncRun
	err := db.WithContext(ctx).Where("run_id = ?", runId).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}
