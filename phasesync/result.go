package phasesync

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
)

const maxDetailLineLength = 300

const (
	viewOutcomeSuccess   = "success"
	viewOutcomePartial   = "partial"
	viewOutcomeFailed    = "failed"
	viewOutcomeCancelled = "cancelled"
)

// Counts are the per-record tallies shared by views and runs.
// Trigger gate results are counted apart from Errored.
type Counts struct {
	Created         int `json:"created"`
	Updated         int `json:"updated"`
	Unchanged       int `json:"unchanged"`
	Skipped         int `json:"skipped"`
	Errored         int `json:"errored"`
	TriggersFired   int `json:"triggersFired"`
	TriggerFailures int `json:"triggerFailures"`
}

func (c *Counts) Add(o Counts) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Skipped += o.Skipped
	c.Errored += o.Errored
	c.TriggersFired += o.TriggersFired
	c.TriggerFailures += o.TriggerFailures
}

func (c Counts) written() int {
	return c.Created + c.Updated + c.Unchanged
}

// ViewResult is the outcome of reconciling one view.
type ViewResult struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Fetched int    `json:"fetched"`
	Counts
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`

	details *detailLog
}

func (v *ViewResult) finish() {
	switch {
	case v.Outcome != "":
	case v.Errored > 0 && v.written() == 0:
		v.Outcome = viewOutcomeFailed
	case v.Errored > 0:
		v.Outcome = viewOutcomePartial
	default:
		v.Outcome = viewOutcomeSuccess
	}
}

// SyncRunResult is the report of one orchestrator invocation.
type SyncRunResult struct {
	RunId       string `json:"runId"`
	Scope       string `json:"scope"`
	ExternalId  string `json:"externalId,omitempty"`
	TriggeredBy string `json:"triggeredBy"`
	Outcome     string `json:"outcome"`
	Counts
	Views          []ViewResult `json:"views"`
	Details        []string     `json:"details"`
	DetailsDropped int          `json:"detailsDropped"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
}

func (r *SyncRunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// detailLog keeps at most max lines, each cut to maxDetailLineLength runes.
type detailLog struct {
	max     int
	lines   []string
	dropped int
}

func newDetailLog(max int) *detailLog {
	if max <= 0 {
		max = 200
	}
	return &detailLog{max: max}
}

func (d *detailLog) add(format string, args ...any) {
	d.push(fmt.Sprintf(format, args...))
}

func (d *detailLog) push(line string) {
	if len(d.lines) >= d.max {
		d.dropped++
		return
	}
	d.lines = append(d.lines, utils.Truncate(line, maxDetailLineLength))
}

func (d *detailLog) merge(o *detailLog) {
	if o == nil {
		return
	}
	for _, line := range o.lines {
		d.push(line)
	}
	d.dropped += o.dropped
}

// runReport accumulates a SyncRunResult while a run is in progress.
type runReport struct {
	result  SyncRunResult
	details *detailLog
}

func newRunReport(runId, scope, triggeredBy string, maxDetails int) *runReport {
	return &runReport{
		result: SyncRunResult{
			RunId:       runId,
			Scope:       scope,
			TriggeredBy: triggeredBy,
			Views:       []ViewResult{},
			StartedAt:   time.Now().UTC(),
		},
		details: newDetailLog(maxDetails),
	}
}

func (r *runReport) addView(v ViewResult) {
	r.result.Counts.Add(v.Counts)
	r.details.merge(v.details)
	v.details = nil
	r.result.Views = append(r.result.Views, v)
}

// finish freezes the report. A preset outcome (rejected) is kept.
func (r *runReport) finish() *SyncRunResult {
	res := r.result
	res.FinishedAt = time.Now().UTC()
	res.Details = append([]string{}, r.details.lines...)
	res.DetailsDropped = r.details.dropped
	if res.Outcome == "" {
		res.Outcome = runOutcome(res.Counts, res.Views)
	}
	return &res
}

func runOutcome(c Counts, views []ViewResult) string {
	completed, failed := 0, 0
	for _, v := range views {
		switch v.Outcome {
		case viewOutcomeFailed:
			failed++
		case viewOutcomeCancelled:
		default:
			completed++
		}
	}
	switch {
	case len(views) > 0 && completed == 0:
		return models.SyncRunOutcomeFailed
	case c.Errored > 0 && c.written() == 0:
		return models.SyncRunOutcomeFailed
	case c.Errored > 0 || failed > 0 || completed < len(views):
		return models.SyncRunOutcomePartial
	default:
		return models.SyncRunOutcomeSuccess
	}
}
