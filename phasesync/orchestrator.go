package phasesync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("phasesync")

// WebhookEvent is a change notification for one source record. When Fields
// is empty the record is read back from the source. ViewId, when set, names
// the view the record moved into and applies that view's forced outcome.
type WebhookEvent struct {
	TableId  string         `json:"tableId" binding:"required"`
	RecordId string         `json:"recordId" binding:"required"`
	ViewId   string         `json:"viewId"`
	Fields   map[string]any `json:"fields"`
}

type Options struct {
	Store          Store
	Source         RecordSource
	Views          []SyncView
	Locker         Locker
	Gate           *TriggerGate
	Publisher      EventPublisher
	Logger         *logrus.Logger
	PhoneRegion    string
	MaxDetailLines int
	LockTTL        time.Duration
	WebhookSecret  string
}

// Orchestrator is the entry point for full runs, single-property updates and
// resets. Only one full run executes at a time across all replicas that share
// the Locker; a second one is rejected, not queued.
type Orchestrator struct {
	store         Store
	source        RecordSource
	views         []SyncView
	locker        Locker
	reconciler    *Reconciler
	gate          *TriggerGate
	publisher     EventPublisher
	logger        *logrus.Logger
	maxDetails    int
	lockTTL       time.Duration
	webhookSecret string

	inflight atomic.Int64
	stopCtx  context.Context
	stop     context.CancelFunc
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Source == nil {
		return nil, errors.New("record source is required")
	}
	views := opts.Views
	if len(views) == 0 {
		views = DefaultViews()
	}
	if err := ValidateViews(views); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:         opts.Store,
		source:        opts.Source,
		views:         views,
		locker:        opts.Locker,
		gate:          opts.Gate,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		maxDetails:    opts.MaxDetailLines,
		lockTTL:       opts.LockTTL,
		webhookSecret: opts.WebhookSecret,
	}
	if o.store == nil {
		o.store = defaultStore
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.logger == nil {
		o.logger = config.GetLogger()
	}
	if o.maxDetails <= 0 {
		o.maxDetails = 200
	}
	if o.lockTTL <= 0 {
		o.lockTTL = 2 * time.Minute
	}
	o.reconciler = NewReconciler(ReconcilerOptions{
		Store:      o.store,
		Source:     o.source,
		Translator: NewTranslator(opts.PhoneRegion),
		Locker:     o.locker,
		Gate:       o.gate,
		Logger:     o.logger,
		LockTTL:    o.lockTTL,
		MaxDetails: o.maxDetails,
	})
	o.stopCtx, o.stop = context.WithCancel(context.Background())
	return o, nil
}

// NewFromSettings wires the production collaborators from the environment.
func NewFromSettings(settings *config.PhaseSyncSettings, store Store, locker Locker, logger *logrus.Logger) (*Orchestrator, error) {
	if settings != nil && !models.Phase(settings.ExtractionPhase).Valid() {
		return nil, fmt.Errorf("EXTRACTION_PHASE %q is not a known phase", settings.ExtractionPhase)
	}
	client, err := NewSourceClient(settings)
	if err != nil {
		return nil, err
	}
	views, err := LoadViews(settings.ViewsFile)
	if err != nil {
		return nil, err
	}
	var publisher EventPublisher
	if settings.EventsTopic != "" {
		publisher = NewPubSubPublisher(settings.EventsTopic, settings.EventsCreateTopic)
	}
	return NewOrchestrator(Options{
		Store:          store,
		Source:         client,
		Views:          views,
		Locker:         locker,
		Gate:           NewTriggerGate(store, settings, logger),
		Publisher:      publisher,
		Logger:         logger,
		PhoneRegion:    settings.DefaultPhoneRegion,
		MaxDetailLines: settings.MaxDetailLines,
		LockTTL:        time.Duration(settings.LockTTLSeconds) * time.Second,
		WebhookSecret:  settings.WebhookSecret,
	})
}

// Views returns the view table in processing order.
func (o *Orchestrator) Views() []SyncView {
	return OrderViews(o.views)
}

// RunAll reconciles every configured view in priority order. It returns
// ErrRunInProgress with a rejected result when another run holds the lock.
// Cancellation is honoured between views only; the remaining views are
// reported as cancelled.
func (o *Orchestrator) RunAll(ctx context.Context, triggeredBy string) (*SyncRunResult, error) {
	runId := uuid.NewString()
	report := newRunReport(runId, models.SyncScopeFull, triggeredBy, o.maxDetails)
	log := o.logger.WithFields(logrus.Fields{"run_id": runId, "triggered_by": triggeredBy})

	lease, err := o.locker.TryLock(ctx, runLockKey, o.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			log.Warn("phase sync run rejected: another run is in progress")
			report.result.Outcome = models.SyncRunOutcomeRejected
			report.details.add("another run is in progress")
			return report.finish(), ErrRunInProgress
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	o.inflight.Add(1)
	defer o.inflight.Add(-1)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			config.LogError(o.logger, "phasesync", "RunAll", "release run lock", logrus.Fields{"run_id": runId}, err)
		}
	}()

	ctx = utils.SetSyncRunIdInContext(ctx, runId)
	ctx, span := tracer.Start(ctx, "phasesync.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runId), attribute.String("triggered_by", triggeredBy))
	log.Info("phase sync run started")

	claims := map[string]string{}
	ordered := OrderViews(o.views)
	for i, view := range ordered {
		if o.cancelled(ctx) {
			for _, rest := range ordered[i:] {
				report.addView(ViewResult{Name: rest.Name, Outcome: viewOutcomeCancelled})
			}
			report.details.add("run cancelled before view %s", view.Name)
			log.Warn("phase sync run cancelled between views")
			break
		}
		// a started view is finished even when the run is cancelled
		report.addView(o.reconciler.ReconcileView(context.WithoutCancel(ctx), runId, view, claims))
	}

	result := report.finish()
	o.complete(ctx, result)
	log.WithFields(logrus.Fields{
		"outcome":          result.Outcome,
		"created":          result.Created,
		"updated":          result.Updated,
		"unchanged":        result.Unchanged,
		"skipped":          result.Skipped,
		"errored":          result.Errored,
		"triggers_fired":   result.TriggersFired,
		"trigger_failures": result.TriggerFailures,
		"duration_ms":      result.Duration().Milliseconds(),
	}).Info("phase sync run finished")
	return result, nil
}

// SyncProperty reconciles the single record named by a webhook event under
// that property's lock. It does not take the run lock, so it can proceed
// while a full run works on other properties.
func (o *Orchestrator) SyncProperty(ctx context.Context, ev WebhookEvent, triggeredBy string) (*SyncRunResult, error) {
	if strings.TrimSpace(ev.TableId) == "" || strings.TrimSpace(ev.RecordId) == "" {
		return nil, fmt.Errorf("%w: tableId and recordId are required", ErrInvalidWebhook)
	}
	var forced *ForcedOutcome
	if ev.ViewId != "" {
		view, err := FindView(o.views, ev.ViewId)
		if err != nil {
			return nil, err
		}
		forced = view.Forced
	}

	runId := uuid.NewString()
	report := newRunReport(runId, models.SyncScopeProperty, triggeredBy, o.maxDetails)
	o.inflight.Add(1)
	defer o.inflight.Add(-1)

	ctx = utils.SetSyncRunIdInContext(ctx, runId)
	ctx, span := tracer.Start(ctx, "phasesync.property")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", ev.RecordId))

	rec := ExternalRecord{Id: ev.RecordId, Fields: ev.Fields}
	if len(ev.Fields) == 0 {
		fetched, err := o.source.GetRecord(ctx, ev.TableId, ev.RecordId)
		if err != nil {
			err = fmt.Errorf("%w: record %s: %v", ErrViewFetch, ev.RecordId, err)
			report.result.Outcome = models.SyncRunOutcomeFailed
			report.details.push(err.Error())
			result := report.finish()
			o.complete(ctx, result)
			return result, err
		}
		rec = *fetched
	}

	res, err := o.reconciler.ReconcileRecord(ctx, runId, rec, forced)
	report.result.ExternalId = res.ExternalId
	switch {
	case errors.Is(err, ErrRecordSkipped):
		report.result.Skipped++
	case errors.Is(err, ErrPropertyLocked):
		report.result.Outcome = models.SyncRunOutcomeRejected
		report.details.push(err.Error())
		return report.finish(), err
	case err != nil:
		report.result.Errored++
		report.details.push(err.Error())
	default:
		o.reconciler.count(&report.result.Counts, report.details, res)
	}

	result := report.finish()
	o.complete(ctx, result)
	o.logger.WithFields(logrus.Fields{
		"run_id":      runId,
		"external_id": result.ExternalId,
		"outcome":     result.Outcome,
	}).Info("property synchronized")
	return result, nil
}

// SyncPropertyByExternalId re-reads one known property from the source.
func (o *Orchestrator) SyncPropertyByExternalId(ctx context.Context, externalId, triggeredBy string) (*SyncRunResult, error) {
	p, err := models.GetPropertyByExternalId(ctx, o.store(), externalId)
	if err != nil {
		return nil, err
	}
	if p == nil || p.SourceRecordId == "" {
		return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, externalId)
	}
	return o.SyncProperty(ctx, WebhookEvent{TableId: o.primaryTable(), RecordId: p.SourceRecordId}, triggeredBy)
}

// ResetProperty deletes the inspections of a property and returns it to the
// initial phase.
func (o *Orchestrator) ResetProperty(ctx context.Context, externalId string) (CascadeCounts, error) {
	counts, err := o.reconciler.resetProperty(ctx, externalId)
	fields := logrus.Fields{"external_id": externalId, "elements": counts.Elements, "zones": counts.Zones, "inspections": counts.Inspections}
	if err != nil {
		config.LogError(o.logger, "phasesync", "ResetProperty", "reset dependents", fields, err)
		return counts, err
	}
	o.logger.WithFields(fields).Info("property reset to initial phase")
	return counts, nil
}

// TriggerProperty runs the extraction gate for one property on demand.
func (o *Orchestrator) TriggerProperty(ctx context.Context, externalId string) (bool, error) {
	if o.gate == nil {
		return false, errGateDisabled
	}
	p, err := models.GetPropertyByExternalId(ctx, o.store(), externalId)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, fmt.Errorf("%w: %s", ErrPropertyNotFound, externalId)
	}
	return o.gate.TriggerIfNeeded(ctx, p.ID)
}

// CheckWebhookSecret compares in constant time. With no secret configured
// every webhook is refused.
func (o *Orchestrator) CheckWebhookSecret(got string) bool {
	if o.webhookSecret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(o.webhookSecret), []byte(got)) == 1
}

// Stop makes in-progress runs end after their current view.
func (o *Orchestrator) Stop() {
	o.stop()
}

// Wait blocks until no run is in progress or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for o.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || o.stopCtx.Err() != nil
}

func (o *Orchestrator) primaryTable() string {
	for _, v := range OrderViews(o.views) {
		if v.Forced == nil {
			return v.TableId
		}
	}
	return o.views[0].TableId
}

// complete persists the run and publishes its event. Neither failure changes
// the result.
func (o *Orchestrator) complete(ctx context.Context, res *SyncRunResult) {
	ctx = context.WithoutCancel(ctx)
	if err := o.saveRun(ctx, res); err != nil {
		config.LogError(o.logger, "phasesync", "saveRun", "persist sync run", logrus.Fields{"run_id": res.RunId}, err)
	}
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishRunCompleted(ctx, res); err != nil {
		config.LogError(o.logger, "phasesync", "PublishRunCompleted", "publish run event", logrus.Fields{"run_id": res.RunId}, err)
	}
}

func (o *Orchestrator) saveRun(ctx context.Context, res *SyncRunResult) error {
	views, err := json.Marshal(res.Views)
	if err != nil {
		return err
	}
	details, err := json.Marshal(res.Details)
	if err != nil {
		return err
	}
	startedAt, finishedAt := res.StartedAt, res.FinishedAt
	run := models.PhaseSyncRun{
		RunId:           res.RunId,
		Scope:           res.Scope,
		ExternalId:      res.ExternalId,
		Outcome:         res.Outcome,
		TriggeredBy:     res.TriggeredBy,
		Created:         res.Created,
		Updated:         res.Updated,
		Unchanged:       res.Unchanged,
		Skipped:         res.Skipped,
		Errored:         res.Errored,
		TriggersFired:   res.TriggersFired,
		TriggerFailures: res.TriggerFailures,
		ViewsJSON:       datatypes.JSON(views),
		DetailsJSON:     datatypes.JSON(details),
		DetailsDropped:  res.DetailsDropped,
		StartedAt:       &startedAt,
		FinishedAt:      &finishedAt,
		DurationMs:      res.Duration().Milliseconds(),
	}
	return o.store().WithContext(ctx).Create(&run).Error
}
