package phasesync

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"gorm.io/gorm"
)

func newTestReconciler(db *gorm.DB, src RecordSource) *Reconciler {
	return NewReconciler(ReconcilerOptions{
		Store:      StaticStore(db),
		Source:     src,
		Locker:     NewLocalLocker(),
		Logger:     quietLogger(),
		LockWait:   50 * time.Millisecond,
		MaxDetails: 50,
	})
}

func TestReconcileViewCreatesThenLeavesUnchanged(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Inspección", "City": "Madrid", "Area": "70,5", "Visit Date": "2024-05-01"}),
		record("rec2", "P-2", map[string]any{"Status": "Rented"}),
	}
	r := newTestReconciler(db, src)
	first := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return first }
	view := testViews()[0]

	vr := r.ReconcileView(context.Background(), "run-1", view, map[string]string{})
	if vr.Created != 2 || vr.Errored != 0 || vr.Outcome != viewOutcomeSuccess {
		t.Fatalf("unexpected first pass %+v", vr)
	}
	p := mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseInspection || p.Status != "Inspección" || p.City != "Madrid" || p.SourceRecordId != "rec1" {
		t.Fatalf("unexpected property %+v", p)
	}

	r.now = func() time.Time { return first.Add(time.Hour) }
	vr = r.ReconcileView(context.Background(), "run-2", view, map[string]string{})
	if vr.Unchanged != 2 || vr.Created != 0 || vr.Updated != 0 {
		t.Fatalf("second pass must be a no-op, got %+v", vr)
	}
	again := mustProperty(t, db, "P-1")
	if again.LastSyncedAt == nil || !again.LastSyncedAt.Equal(first) {
		t.Fatalf("unchanged row must keep last_synced_at, got %v", again.LastSyncedAt)
	}
}

func TestReconcileViewUpdatesOnlyProvidedFields(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	r := newTestReconciler(db, src)
	view := testViews()[0]

	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Inspection", "City": "Madrid", "Contractor": "Obras Paco"}),
	}
	r.ReconcileView(context.Background(), "run-1", view, map[string]string{})

	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Budget received", "City": ""}),
	}
	vr := r.ReconcileView(context.Background(), "run-2", view, map[string]string{})
	if vr.Updated != 1 {
		t.Fatalf("expected one update, got %+v", vr)
	}
	p := mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseBudgetReview || p.Status != "Budget received" {
		t.Fatalf("unexpected phase/status %s/%s", p.Phase, p.Status)
	}
	if p.City != "Madrid" || p.Contractor != "Obras Paco" {
		t.Fatalf("absent or blank fields must not clear stored data: %+v", p)
	}
}

func TestForcedViewOverridesStatus(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwCleaning"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Something else"}),
	}
	r := newTestReconciler(db, src)

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[1], map[string]string{})
	if vr.Created != 1 {
		t.Fatalf("unexpected result %+v", vr)
	}
	p := mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseCleaning || p.Status != "Cleaning" {
		t.Fatalf("forced view must write cleaning/Cleaning, got %s/%s", p.Phase, p.Status)
	}

	// the same record through an unforced view keeps the phase
	src.views["viwPipeline"] = src.views["viwCleaning"]
	r.ReconcileView(context.Background(), "run-2", testViews()[0], map[string]string{})
	p = mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseCleaning || p.Status != "Something else" {
		t.Fatalf("unmapped status must keep phase, got %s/%s", p.Phase, p.Status)
	}
}

func TestOneMalformedRecordDoesNotBlockOthers(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	var recs []ExternalRecord
	for i, id := range externalIds(100) {
		fields := map[string]any{"Status": "Cleaning", "Visit Date": "2024-01-15"}
		if i == 41 {
			fields["Visit Date"] = "31/31/2024"
		}
		recs = append(recs, record("rec-"+id, id, fields))
	}
	src.views["viwPipeline"] = recs
	r := newTestReconciler(db, src)

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Fetched != 100 || vr.Created != 99 || vr.Errored != 1 {
		t.Fatalf("expected 99 created and 1 errored, got %+v", vr)
	}
	if vr.Outcome != viewOutcomePartial {
		t.Fatalf("expected partial view, got %s", vr.Outcome)
	}
	if got := countRows(t, db, &models.Property{}); got != 99 {
		t.Fatalf("expected 99 rows, got %d", got)
	}
	if len(vr.details.lines) != 1 || !strings.Contains(vr.details.lines[0], "P-042") {
		t.Fatalf("expected a detail naming the bad record, got %v", vr.details.lines)
	}
}

func TestRecordsWithoutKeyAreSkippedSilently(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		{Id: "rec0", Fields: map[string]any{"Status": "Cleaning"}},
		record("rec1", "P-1", nil),
	}
	r := newTestReconciler(db, src)

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Skipped != 1 || vr.Created != 1 || len(vr.details.lines) != 0 {
		t.Fatalf("unexpected result %+v details=%v", vr, vr.details.lines)
	}
}

func TestClaimedRecordsAreSkipped(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{record("rec1", "P-1", map[string]any{"Status": "Rented"})}
	r := newTestReconciler(db, src)

	claims := map[string]string{"P-1": "cleaning"}
	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], claims)
	if vr.Skipped != 1 || vr.Created != 0 {
		t.Fatalf("claimed record must be skipped, got %+v", vr)
	}
	if got := countRows(t, db, &models.Property{}); got != 0 {
		t.Fatalf("expected no rows, got %d", got)
	}
}

func TestLockedPropertyIsSkipped(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Rented"}),
		record("rec2", "P-2", map[string]any{"Status": "Rented"}),
	}
	r := newTestReconciler(db, src)
	held, err := r.locker.TryLock(context.Background(), propertyLockKey("P-1"), time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer held.Release(context.Background())

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Skipped != 1 || vr.Created != 1 || vr.Errored != 0 {
		t.Fatalf("unexpected result %+v", vr)
	}
}

func TestFetchFailureFailsView(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.fail["viwPipeline"] = &APIError{StatusCode: 503, Body: "down"}
	r := newTestReconciler(db, src)

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Outcome != viewOutcomeFailed || vr.Error == "" || vr.Errored != 0 {
		t.Fatalf("unexpected result %+v", vr)
	}
}

func TestReconcileLinksKnownProject(t *testing.T) {
	db := newTestDB(t)
	project := models.Project{ExternalId: "PRJ-1", Name: "Lote Norte"}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Project ID": "PRJ-1"}),
		record("rec2", "P-2", map[string]any{"Project ID": "PRJ-404"}),
	}
	r := newTestReconciler(db, src)

	r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if p := mustProperty(t, db, "P-1"); p.ProjectId == nil || *p.ProjectId != project.ID {
		t.Fatalf("expected project link, got %v", p.ProjectId)
	}
	if p := mustProperty(t, db, "P-2"); p.ProjectId != nil {
		t.Fatalf("unknown project must stay unlinked, got %v", *p.ProjectId)
	}
}

// insertingLocker creates the property row right before the lock is taken,
// the way a webhook landing between prefetch and write would.
type insertingLocker struct {
	Locker
	db     *gorm.DB
	insert string
}

func (l *insertingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if l.insert != "" && key == propertyLockKey(l.insert) {
		row := &models.Property{ExternalId: l.insert, Phase: models.PhaseInspection, Status: "Inspection", City: "Sevilla"}
		if err := l.db.Create(row).Error; err != nil {
			return nil, err
		}
		l.insert = ""
	}
	return l.Locker.TryLock(ctx, key, ttl)
}

func TestRowCreatedAfterPrefetchIsUpdatedNotInserted(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Rented", "City": "Madrid"}),
	}
	r := newTestReconciler(db, src)
	r.locker = &insertingLocker{Locker: NewLocalLocker(), db: db, insert: "P-1"}

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Errored != 0 || vr.Updated != 1 || vr.Created != 0 {
		t.Fatalf("expected the concurrent row to be updated, got %+v details=%v", vr, vr.details.lines)
	}
	if got := countRows(t, db, &models.Property{}); got != 1 {
		t.Fatalf("expected one row, got %d", got)
	}
	p := mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseRented || p.City != "Madrid" {
		t.Fatalf("unexpected property %+v", p)
	}
}

func TestUnmappedStatusOnNewRowStartsInInitialPhase(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{
		record("rec1", "P-1", map[string]any{"Status": "Something nobody mapped"}),
	}
	r := newTestReconciler(db, src)

	vr := r.ReconcileView(context.Background(), "run-1", testViews()[0], map[string]string{})
	if vr.Created != 1 {
		t.Fatalf("unexpected result %+v", vr)
	}
	p := mustProperty(t, db, "P-1")
	if p.Phase != models.PhaseInitial || p.Status != "Something nobody mapped" {
		t.Fatalf("unexpected phase/status %q/%q", p.Phase, p.Status)
	}
}
