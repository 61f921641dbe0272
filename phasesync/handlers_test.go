package phasesync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

func newTestRouter(o *Orchestrator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/phase-sync", WebhookHandler(o))
	r.POST("/pubsub/phase-sync", PubSubPushHandler(o, acceptPushToken))
	api := r.Group("/api/phase-sync")
	api.POST("/run", RunHandler(o))
	api.GET("/runs", RunsHandler(o))
	api.GET("/runs/:id", RunDetailHandler(o))
	api.GET("/runs/:id/export", RunExportHandler(o))
	api.GET("/views", ViewsHandler(o))
	api.POST("/properties/:externalId/reset", ResetHandler(o))
	api.POST("/properties/:externalId/sync", PropertySyncHandler(o))
	api.POST("/properties/:externalId/trigger", TriggerHandler(o))
	return r
}

const testPushToken = "push-token"

func acceptPushToken(_ context.Context, token string) error {
	if token != testPushToken {
		return errors.New("bad token")
	}
	return nil
}

func doRequest(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandlerAuthAndValidation(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(t, db, newFakeSource(), testViews())
	r := newTestRouter(o)
	ev := WebhookEvent{TableId: "Properties", RecordId: "rec1", Fields: map[string]any{"Property ID": "P-1", "Status": "Cleaning"}}

	if w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", ev, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: expected 401, got %d", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", ev, map[string]string{webhookSecretHeader: "nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", w.Code)
	}
	auth := map[string]string{webhookSecretHeader: "s3cret"}
	if w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", map[string]any{"tableId": "Properties"}, auth); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid payload: expected 400, got %d", w.Code)
	}
	bad := ev
	bad.ViewId = "viwUnknown"
	if w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", bad, auth); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown view: expected 400, got %d", w.Code)
	}

	w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", ev, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res SyncRunResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Created != 1 || res.ExternalId != "P-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWebhookHandlerConflictOnLockedProperty(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(t, db, newFakeSource(), testViews())
	r := newTestRouter(o)
	held, _ := o.locker.TryLock(context.Background(), propertyLockKey("P-1"), time.Minute)
	defer held.Release(context.Background())

	ev := WebhookEvent{TableId: "Properties", RecordId: "rec1", Fields: map[string]any{"Property ID": "P-1"}}
	w := doRequest(r, http.MethodPost, "/webhooks/phase-sync", ev, map[string]string{webhookSecretHeader: "s3cret"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestRunHandlerConflictReturnsRejectedResult(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(t, db, newFakeSource(), testViews())
	r := newTestRouter(o)
	held, _ := o.locker.TryLock(context.Background(), runLockKey, time.Minute)

	w := doRequest(r, http.MethodPost, "/api/phase-sync/run", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var res SyncRunResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Outcome != models.SyncRunOutcomeRejected {
		t.Fatalf("expected rejected outcome, got %q", res.Outcome)
	}

	_ = held.Release(context.Background())
	if w := doRequest(r, http.MethodPost, "/api/phase-sync/run", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after release, got %d", w.Code)
	}
}

func TestRunHistoryEndpoints(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.views["viwPipeline"] = []ExternalRecord{record("rec1", "P-1", map[string]any{"Status": "Rented"})}
	o := newTestOrchestrator(t, db, src, testViews())
	r := newTestRouter(o)

	res, err := o.RunAll(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	w := doRequest(r, http.MethodGet, "/api/phase-sync/runs?limit=5", nil, nil)
	var list struct {
		Runs []RunSummaryResponse `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Runs) != 1 || list.Runs[0].RunId != res.RunId {
		t.Fatalf("unexpected runs list %s (%v)", w.Body.String(), err)
	}
	if w := doRequest(r, http.MethodGet, "/api/phase-sync/runs?limit=abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}

	w = doRequest(r, http.MethodGet, "/api/phase-sync/runs/"+res.RunId, nil, nil)
	var detail RunDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil || len(detail.Views) != 2 || detail.Created != 1 {
		t.Fatalf("unexpected detail %s (%v)", w.Body.String(), err)
	}
	if w := doRequest(r, http.MethodGet, "/api/phase-sync/runs/unknown", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doRequest(r, http.MethodGet, "/api/phase-sync/runs/"+res.RunId+"/export", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("unexpected export response %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	outcome, _ := f.GetCellValue("Summary", "B5")
	if outcome != models.SyncRunOutcomeSuccess {
		t.Fatalf("unexpected outcome cell %q", outcome)
	}
	view, _ := f.GetCellValue("Views", "A2")
	if view != "cleaning" {
		t.Fatalf("unexpected first view row %q", view)
	}
}

func TestViewsAndPropertyEndpoints(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	src.records["rec1"] = record("rec1", "P-1", map[string]any{"Status": "Rented"})
	o := newTestOrchestrator(t, db, src, testViews())
	r := newTestRouter(o)

	w := doRequest(r, http.MethodGet, "/api/phase-sync/views", nil, nil)
	var views struct {
		Views []SyncView `json:"views"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil || len(views.Views) != 2 || views.Views[0].Name != "cleaning" {
		t.Fatalf("unexpected views %s", w.Body.String())
	}

	if w := doRequest(r, http.MethodPost, "/api/phase-sync/properties/P-1/sync", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown property: expected 404, got %d", w.Code)
	}
	if _, err := o.SyncProperty(context.Background(), WebhookEvent{TableId: "Properties", RecordId: "rec1"}, models.SyncTriggeredWebhook); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if w := doRequest(r, http.MethodPost, "/api/phase-sync/properties/P-1/sync", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(r, http.MethodPost, "/api/phase-sync/properties/P-1/reset", nil, nil)
	var reset ResetResponse
	if err := json.Unmarshal(w.Body.Bytes(), &reset); err != nil || w.Code != http.StatusOK || !reset.Reset {
		t.Fatalf("unexpected reset %d %s", w.Code, w.Body.String())
	}
	if w := doRequest(r, http.MethodPost, "/api/phase-sync/properties/P-404/reset", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := doRequest(r, http.MethodPost, "/api/phase-sync/properties/P-1/trigger", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a gate, got %d", w.Code)
	}
}

func TestPubSubPushAlwaysAcknowledges(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	o := newTestOrchestrator(t, db, src, testViews())
	r := newTestRouter(o)
	auth := map[string]string{"Authorization": "Bearer " + testPushToken}

	req := httptest.NewRequest(http.MethodPost, "/pubsub/phase-sync", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", auth["Authorization"])
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || len(src.fetchedViews()) != 0 {
		t.Fatalf("malformed push: expected 204 and no run, got %d", w.Code)
	}

	data := base64.StdEncoding.EncodeToString([]byte(`{"triggeredBy":"scheduled"}`))
	envelope := map[string]any{"message": map[string]any{"data": data, "messageId": "m-1"}, "subscription": "projects/p/subscriptions/s"}
	if w := doRequest(r, http.MethodPost, "/pubsub/phase-sync", envelope, auth); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(src.fetchedViews()) != 2 {
		t.Fatalf("expected a scheduled run")
	}
	runs, _ := models.ListPhaseSyncRuns(context.Background(), db, 10)
	if len(runs) != 1 || runs[0].TriggeredBy != models.SyncTriggeredScheduled {
		t.Fatalf("unexpected runs %+v", runs)
	}

	held, _ := o.locker.TryLock(context.Background(), runLockKey, time.Minute)
	defer held.Release(context.Background())
	if w := doRequest(r, http.MethodPost, "/pubsub/phase-sync", envelope, auth); w.Code != http.StatusNoContent {
		t.Fatalf("contended push: expected 204, got %d", w.Code)
	}
}

func TestPubSubPushWithoutValidTokenStartsNoRun(t *testing.T) {
	db := newTestDB(t)
	src := newFakeSource()
	o := newTestOrchestrator(t, db, src, testViews())
	r := newTestRouter(o)
	envelope := map[string]any{"message": map[string]any{"messageId": "m-1"}, "subscription": "projects/p/subscriptions/s"}

	cases := []map[string]string{
		nil,
		{"Authorization": "Bearer wrong"},
		{"Authorization": testPushToken},
	}
	for i, headers := range cases {
		if w := doRequest(r, http.MethodPost, "/pubsub/phase-sync", envelope, headers); w.Code != http.StatusUnauthorized {
			t.Fatalf("case %d: expected 401, got %d", i, w.Code)
		}
	}

	gin.SetMode(gin.TestMode)
	closed := gin.New()
	closed.POST("/pubsub/phase-sync", PubSubPushHandler(o, nil))
	if w := doRequest(closed, http.MethodPost, "/pubsub/phase-sync", envelope, map[string]string{"Authorization": "Bearer " + testPushToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("nil verifier: expected 401, got %d", w.Code)
	}

	if got := src.fetchedViews(); len(got) != 0 {
		t.Fatalf("no view may be fetched, got %v", got)
	}
	if n := countRows(t, db, &models.PhaseSyncRun{}); n != 0 {
		t.Fatalf("no run may be recorded, got %d", n)
	}
}
