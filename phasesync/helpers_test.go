package phasesync

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeSource struct {
	mu      sync.Mutex
	views   map[string][]ExternalRecord
	fail    map[string]error
	records map[string]ExternalRecord
	fetched []string
	// onFetch runs before a view is returned.
	onFetch func(viewId string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		views:   map[string][]ExternalRecord{},
		fail:    map[string]error{},
		records: map[string]ExternalRecord{},
	}
}

func (f *fakeSource) FetchView(_ context.Context, _ string, viewId string) ([]ExternalRecord, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, viewId)
	hook := f.onFetch
	err := f.fail[viewId]
	recs := append([]ExternalRecord(nil), f.views[viewId]...)
	f.mu.Unlock()
	if hook != nil {
		hook(viewId)
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (f *fakeSource) GetRecord(_ context.Context, _ string, recordId string) (*ExternalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordId]
	if !ok {
		return nil, &APIError{StatusCode: 404, Body: "not found"}
	}
	return &rec, nil
}

func (f *fakeSource) fetchedViews() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func record(id, externalId string, fields map[string]any) ExternalRecord {
	out := map[string]any{"Property ID": externalId}
	for k, v := range fields {
		out[k] = v
	}
	return ExternalRecord{Id: id, Fields: out}
}

func testViews() []SyncView {
	return []SyncView{
		{Name: "pipeline", TableId: "Properties", ViewId: "viwPipeline", Priority: 0},
		{Name: "cleaning", TableId: "Properties", ViewId: "viwCleaning", Priority: 50, Forced: &ForcedOutcome{Phase: models.PhaseCleaning, Status: "Cleaning"}},
	}
}

func newTestOrchestrator(t *testing.T, db *gorm.DB, src RecordSource, views []SyncView) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{
		Store:          StaticStore(db),
		Source:         src,
		Views:          views,
		Locker:         NewLocalLocker(),
		Logger:         quietLogger(),
		MaxDetailLines: 50,
		WebhookSecret:  "s3cret",
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func mustProperty(t *testing.T, db *gorm.DB, externalId string) *models.Property {
	t.Helper()
	p, err := models.GetPropertyByExternalId(context.Background(), db, externalId)
	if err != nil {
		t.Fatalf("load property %s: %v", externalId, err)
	}
	if p == nil {
		t.Fatalf("property %s not found", externalId)
	}
	return p
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

func externalIds(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("P-%03d", i+1)
	}
	return out
}
