package phasesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RecordOutcome is what happened to one source record.
type RecordOutcome string

const (
	OutcomeCreated   RecordOutcome = "created"
	OutcomeUpdated   RecordOutcome = "updated"
	OutcomeUnchanged RecordOutcome = "unchanged"
	OutcomeSkipped   RecordOutcome = "skipped"
	OutcomeLocked    RecordOutcome = "locked"
)

// RecordResult is the outcome of reconciling one record.
type RecordResult struct {
	ExternalId   string
	Outcome      RecordOutcome
	Property     *models.Property
	TriggerFired bool
	TriggerErr   error
}

// Reconciler writes source records into the property table. Each record is
// written in its own statement so one bad record never blocks the others.
type Reconciler struct {
	store      Store
	source     RecordSource
	translator *Translator
	mapper     *PhaseMapper
	locker     Locker
	gate       *TriggerGate
	logger     *logrus.Logger
	lockTTL    time.Duration
	lockWait   time.Duration
	maxDetails int
	batchSize  int
	now        func() time.Time
}

type ReconcilerOptions struct {
	Store       Store
	Source      RecordSource
	Translator  *Translator
	Mapper      *PhaseMapper
	Locker      Locker
	Gate        *TriggerGate
	Logger      *logrus.Logger
	LockTTL     time.Duration
	LockWait    time.Duration
	MaxDetails  int
	PrefetchMax int
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		store:      opts.Store,
		source:     opts.Source,
		translator: opts.Translator,
		mapper:     opts.Mapper,
		locker:     opts.Locker,
		gate:       opts.Gate,
		logger:     opts.Logger,
		lockTTL:    opts.LockTTL,
		lockWait:   opts.LockWait,
		maxDetails: opts.MaxDetails,
		batchSize:  opts.PrefetchMax,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if r.store == nil {
		r.store = defaultStore
	}
	if r.translator == nil {
		r.translator = NewTranslator("")
	}
	if r.mapper == nil {
		r.mapper = defaultMapper
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	if r.logger == nil {
		r.logger = config.GetLogger()
	}
	if r.lockTTL <= 0 {
		r.lockTTL = 30 * time.Second
	}
	if r.lockWait <= 0 {
		r.lockWait = 200 * time.Millisecond
	}
	if r.batchSize <= 0 {
		r.batchSize = 200
	}
	return r
}

// ReconcileView fetches one view and reconciles every record in it.
// claims maps correlation keys to the view that already handled them in this
// run; claimed records are skipped and unclaimed ones are claimed here.
func (r *Reconciler) ReconcileView(ctx context.Context, runId string, view SyncView, claims map[string]string) ViewResult {
	started := time.Now()
	vr := ViewResult{Name: view.Name, details: newDetailLog(r.maxDetails)}
	log := r.logger.WithFields(logrus.Fields{"run_id": runId, "view": view.Name})

	ctx, span := tracer.Start(ctx, "phasesync.view")
	defer span.End()
	span.SetAttributes(attribute.String("view", view.Name), attribute.String("view_id", view.ViewId))

	records, err := r.source.FetchView(ctx, view.TableId, view.ViewId)
	if err != nil {
		if !errors.Is(err, ErrViewFetch) {
			err = fmt.Errorf("%w: %v", ErrViewFetch, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		config.LogError(r.logger, "phasesync", "ReconcileView", "fetch view", logrus.Fields{"run_id": runId, "view": view.Name}, err)
		vr.Outcome = viewOutcomeFailed
		vr.Error = err.Error()
		vr.details.add("view %s: %v", view.Name, err)
		vr.DurationMs = time.Since(started).Milliseconds()
		return vr
	}
	vr.Fetched = len(records)

	pending := make([]PropertyFields, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		fields, err := r.translator.Translate(rec)
		if errors.Is(err, ErrRecordSkipped) {
			vr.Skipped++
			continue
		}
		if owner, taken := claims[fields.ExternalId]; taken {
			vr.Skipped++
			vr.details.add("record %s: already synced by view %s", fields.ExternalId, owner)
			continue
		}
		claims[fields.ExternalId] = view.Name
		if err != nil {
			vr.Errored++
			vr.details.push((&RecordError{ExternalId: fields.ExternalId, SourceRecordId: rec.Id, Err: err}).Error())
			continue
		}
		pending = append(pending, fields)
		ids = append(ids, fields.ExternalId)
	}

	loader := r.newPropertyLoader()
	// Warm the loader in IN-list batches; per-record loads below hit its cache.
	loader.LoadMany(ctx, utils.UniqueSlice(ids))()

	// Runs under the property lock. A row missing from the prefetch may have
	// been created by a webhook since, so absence is confirmed with a fresh read.
	lookup := func(ctx context.Context, externalId string) (*models.Property, error) {
		p, err := loader.Load(ctx, externalId)()
		if err != nil || p != nil {
			return p, err
		}
		return r.lookupProperty(ctx, externalId)
	}
	for _, fields := range pending {
		res, err := r.reconcileFields(ctx, runId, fields, view.Forced, lookup)
		if err != nil {
			if errors.Is(err, ErrPropertyLocked) {
				vr.Skipped++
				vr.details.add("record %s: skipped, updated concurrently", fields.ExternalId)
				continue
			}
			vr.Errored++
			vr.details.push(err.Error())
			log.WithFields(logrus.Fields{"external_id": fields.ExternalId}).Warn(err.Error())
			continue
		}
		loader.Clear(ctx, fields.ExternalId).Prime(ctx, fields.ExternalId, res.Property)
		r.count(&vr.Counts, vr.details, res)
	}

	vr.finish()
	vr.DurationMs = time.Since(started).Milliseconds()
	log.WithFields(logrus.Fields{
		"fetched":   vr.Fetched,
		"created":   vr.Created,
		"updated":   vr.Updated,
		"unchanged": vr.Unchanged,
		"skipped":   vr.Skipped,
		"errored":   vr.Errored,
	}).Info("view reconciled")
	return vr
}

// ReconcileRecord reconciles one record outside a full pass. A record without
// a correlation key returns OutcomeSkipped with ErrRecordSkipped.
func (r *Reconciler) ReconcileRecord(ctx context.Context, runId string, rec ExternalRecord, forced *ForcedOutcome) (RecordResult, error) {
	fields, err := r.translator.Translate(rec)
	if errors.Is(err, ErrRecordSkipped) {
		return RecordResult{Outcome: OutcomeSkipped}, err
	}
	if err != nil {
		return RecordResult{ExternalId: fields.ExternalId}, &RecordError{ExternalId: fields.ExternalId, SourceRecordId: rec.Id, Err: err}
	}
	return r.reconcileFields(ctx, runId, fields, forced, r.lookupProperty)
}

func (r *Reconciler) count(c *Counts, details *detailLog, res RecordResult) {
	switch res.Outcome {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeUnchanged:
		c.Unchanged++
	case OutcomeSkipped, OutcomeLocked:
		c.Skipped++
	}
	if res.TriggerFired {
		c.TriggersFired++
	}
	if res.TriggerErr != nil {
		c.TriggerFailures++
		details.add("record %s: extraction trigger failed: %v", res.ExternalId, res.TriggerErr)
	}
}

type propertyLookup func(ctx context.Context, externalId string) (*models.Property, error)

func (r *Reconciler) lookupProperty(ctx context.Context, externalId string) (*models.Property, error) {
	return models.GetPropertyByExternalId(ctx, r.store(), externalId)
}

func (r *Reconciler) newPropertyLoader() *dataloader.Loader[string, *models.Property] {
	batch := func(ctx context.Context, keys []string) []*dataloader.Result[*models.Property] {
		props, err := models.GetPropertiesByExternalIds(ctx, r.store(), keys)
		if err != nil {
			out := make([]*dataloader.Result[*models.Property], len(keys))
			for i := range keys {
				out[i] = &dataloader.Result[*models.Property]{Error: err}
			}
			return out
		}
		byKey := make(map[string]*models.Property, len(props))
		for i := range props {
			byKey[props[i].ExternalId] = &props[i]
		}
		out := make([]*dataloader.Result[*models.Property], len(keys))
		for i, k := range keys {
			out[i] = &dataloader.Result[*models.Property]{Data: byKey[k]}
		}
		return out
	}
	return dataloader.NewBatchedLoader(batch,
		dataloader.WithBatchCapacity[string, *models.Property](r.batchSize),
		dataloader.WithWait[string, *models.Property](time.Millisecond),
	)
}

// reconcileFields holds the property lock for the write and the trigger check.
func (r *Reconciler) reconcileFields(ctx context.Context, runId string, fields PropertyFields, forced *ForcedOutcome, lookup propertyLookup) (RecordResult, error) {
	res := RecordResult{ExternalId: fields.ExternalId}

	lease, err := acquireWithWait(ctx, r.locker, propertyLockKey(fields.ExternalId), r.lockTTL, r.lockWait)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			res.Outcome = OutcomeLocked
			return res, fmt.Errorf("%w: %s", ErrPropertyLocked, fields.ExternalId)
		}
		return res, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	existing, err := lookup(ctx, fields.ExternalId)
	if err != nil {
		return res, &RecordError{ExternalId: fields.ExternalId, SourceRecordId: fields.SourceRecordId, Err: err}
	}

	var prop *models.Property
	if existing == nil {
		prop, err = r.create(ctx, fields, forced)
		res.Outcome = OutcomeCreated
	} else {
		prop, res.Outcome, err = r.update(ctx, existing, fields, forced)
	}
	if err != nil {
		return res, &RecordError{ExternalId: fields.ExternalId, SourceRecordId: fields.SourceRecordId, Err: err}
	}
	res.Property = prop

	if r.gate != nil && prop.Phase == r.gate.Phase() {
		res.TriggerFired, res.TriggerErr = r.gate.trigger(ctx, runId, prop)
	}
	return res, nil
}

func (r *Reconciler) create(ctx context.Context, f PropertyFields, forced *ForcedOutcome) (*models.Property, error) {
	now := r.now()
	p := &models.Property{
		ExternalId:     f.ExternalId,
		SourceRecordId: f.SourceRecordId,
		LastSyncedAt:   &now,
	}
	// A new row whose status maps to nothing starts in the initial phase.
	state := PhaseState{Phase: models.PhaseInitial}
	if forced != nil {
		status := forced.StatusText()
		state = r.mapper.Enforce(state, &forced.Phase, &status)
	} else {
		state = r.mapper.Enforce(state, nil, f.Status)
	}
	p.Phase, p.Status = state.Phase, state.Status

	p.Address = utils.DereferencePtr(f.Address, "")
	p.City = utils.DereferencePtr(f.City, "")
	p.PostalCode = utils.DereferencePtr(f.PostalCode, "")
	p.RenovationType = utils.DereferencePtr(f.RenovationType, "")
	p.Contractor = utils.DereferencePtr(f.Contractor, "")
	p.ContractorPhone = utils.DereferencePtr(f.ContractorPhone, "")
	p.BudgetDocumentRef = utils.DereferencePtr(f.BudgetDocumentRef, "")
	if f.Area != nil {
		p.Area = decimal.NewNullDecimal(*f.Area)
	}
	if f.BudgetAmount != nil {
		p.BudgetAmount = decimal.NewNullDecimal(*f.BudgetAmount)
	}
	p.VisitDate = f.VisitDate
	p.RenovationStartDate = f.RenovationStartDate
	p.RenovationEndDate = f.RenovationEndDate
	p.KeyDeliveryDate = f.KeyDeliveryDate
	p.IsReadyForInspection = utils.DereferencePtr(f.IsReadyForInspection, false)
	p.IsReadyToRent = utils.DereferencePtr(f.IsReadyToRent, false)

	if f.ProjectExternalId != nil {
		projectId, err := models.GetProjectIdByExternalId(ctx, r.store(), *f.ProjectExternalId)
		if err != nil {
			return nil, err
		}
		p.ProjectId = projectId
	}

	if err := r.store().WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// update writes only the columns whose value changed. An unchanged row is not
// touched, so last_synced_at only moves when data moved.
func (r *Reconciler) update(ctx context.Context, existing *models.Property, f PropertyFields, forced *ForcedOutcome) (*models.Property, RecordOutcome, error) {
	updates := map[string]interface{}{}
	p := *existing

	if f.SourceRecordId != "" {
		setString(updates, "source_record_id", &p.SourceRecordId, &f.SourceRecordId)
	}
	setString(updates, "address", &p.Address, f.Address)
	setString(updates, "city", &p.City, f.City)
	setString(updates, "postal_code", &p.PostalCode, f.PostalCode)
	setString(updates, "renovation_type", &p.RenovationType, f.RenovationType)
	setString(updates, "contractor", &p.Contractor, f.Contractor)
	setString(updates, "contractor_phone", &p.ContractorPhone, f.ContractorPhone)
	setString(updates, "budget_document_ref", &p.BudgetDocumentRef, f.BudgetDocumentRef)
	setDecimal(updates, "area", &p.Area, f.Area)
	setDecimal(updates, "budget_amount", &p.BudgetAmount, f.BudgetAmount)
	setTime(updates, "visit_date", &p.VisitDate, f.VisitDate)
	setTime(updates, "renovation_start_date", &p.RenovationStartDate, f.RenovationStartDate)
	setTime(updates, "renovation_end_date", &p.RenovationEndDate, f.RenovationEndDate)
	setTime(updates, "key_delivery_date", &p.KeyDeliveryDate, f.KeyDeliveryDate)
	setBool(updates, "is_ready_for_inspection", &p.IsReadyForInspection, f.IsReadyForInspection)
	setBool(updates, "is_ready_to_rent", &p.IsReadyToRent, f.IsReadyToRent)

	if f.ProjectExternalId != nil {
		projectId, err := models.GetProjectIdByExternalId(ctx, r.store(), *f.ProjectExternalId)
		if err != nil {
			return nil, "", err
		}
		if projectId != nil && (p.ProjectId == nil || *p.ProjectId != *projectId) {
			p.ProjectId = projectId
			updates["project_id"] = *projectId
		}
	}

	current := PhaseState{Phase: p.Phase, Status: p.Status}
	var next PhaseState
	if forced != nil {
		status := forced.StatusText()
		next = r.mapper.Enforce(current, &forced.Phase, &status)
	} else {
		next = r.mapper.Enforce(current, nil, f.Status)
	}
	if next.Changed {
		if next.Phase != p.Phase {
			updates["phase"] = next.Phase
		}
		if next.Status != p.Status {
			updates["status"] = next.Status
		}
		p.Phase, p.Status = next.Phase, next.Status
	}

	if len(updates) == 0 {
		return existing, OutcomeUnchanged, nil
	}
	now := r.now()
	updates["last_synced_at"] = now
	p.LastSyncedAt = &now
	if err := r.store().WithContext(ctx).Model(&models.Property{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		return nil, "", err
	}
	return &p, OutcomeUpdated, nil
}

func setString(updates map[string]interface{}, column string, current *string, next *string) {
	if next == nil || *current == *next {
		return
	}
	*current = *next
	updates[column] = *next
}

func setDecimal(updates map[string]interface{}, column string, current *decimal.NullDecimal, next *decimal.Decimal) {
	if next == nil || (current.Valid && current.Decimal.Equal(*next)) {
		return
	}
	*current = decimal.NewNullDecimal(*next)
	updates[column] = *current
}

func setTime(updates map[string]interface{}, column string, current **time.Time, next *time.Time) {
	if next == nil || (*current != nil && (*current).Equal(*next)) {
		return
	}
	t := *next
	*current = &t
	updates[column] = t
}

func setBool(updates map[string]interface{}, column string, current *bool, next *bool) {
	if next == nil || *current == *next {
		return
	}
	*current = *next
	updates[column] = *next
}

// resetProperty clears the dependents of one property under its lock.
func (r *Reconciler) resetProperty(ctx context.Context, externalId string) (CascadeCounts, error) {
	lease, err := acquireWithWait(ctx, r.locker, propertyLockKey(externalId), r.lockTTL, r.lockWait)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return CascadeCounts{}, fmt.Errorf("%w: %s", ErrPropertyLocked, externalId)
		}
		return CascadeCounts{}, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	p, err := r.lookupProperty(ctx, externalId)
	if err != nil {
		return CascadeCounts{}, err
	}
	if p == nil {
		return CascadeCounts{}, fmt.Errorf("%w: %s", ErrPropertyNotFound, externalId)
	}
	return ResetDependents(ctx, r.store(), p.ID)
}
