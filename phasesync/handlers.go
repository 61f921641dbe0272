package phasesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"github.com/gin-gonic/gin"
)

const webhookSecretHeader = "X-Webhook-Secret"

type RunSummaryResponse struct {
	RunId           string  `json:"runId"`
	Scope           string  `json:"scope"`
	ExternalId      string  `json:"externalId,omitempty"`
	Outcome         string  `json:"outcome"`
	TriggeredBy     string  `json:"triggeredBy"`
	StartedAt       *string `json:"startedAt"`
	FinishedAt      *string `json:"finishedAt"`
	DurationMs      int64   `json:"durationMs"`
	Counts
}

type RunDetailResponse struct {
	RunSummaryResponse
	Views          []ViewResult `json:"views"`
	Details        []string     `json:"details"`
	DetailsDropped int          `json:"detailsDropped"`
}

type ResetResponse struct {
	ExternalId  string `json:"externalId"`
	Inspections int64  `json:"inspections"`
	Zones       int64  `json:"zones"`
	Elements    int64  `json:"elements"`
	Reset       bool   `json:"propertyReset"`
}

// RunHandler starts a full run and answers with its result once it ends.
func RunHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := o.RunAll(c.Request.Context(), models.SyncTriggeredManual)
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				c.JSON(http.StatusConflict, res)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func WebhookHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !o.CheckWebhookSecret(c.GetHeader(webhookSecretHeader)) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var ev WebhookEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		res, err := o.SyncProperty(c.Request.Context(), ev, models.SyncTriggeredWebhook)
		if err != nil {
			status := statusForError(err)
			if res != nil {
				c.JSON(status, res)
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// PropertySyncHandler re-reads one known property from the source.
func PropertySyncHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := o.SyncPropertyByExternalId(c.Request.Context(), c.Param("externalId"), models.SyncTriggeredManual)
		if err != nil {
			status := statusForError(err)
			if res != nil {
				c.JSON(status, res)
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func ResetHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		externalId := c.Param("externalId")
		counts, err := o.ResetProperty(c.Request.Context(), externalId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ResetResponse{
			ExternalId:  externalId,
			Inspections: counts.Inspections,
			Zones:       counts.Zones,
			Elements:    counts.Elements,
			Reset:       counts.PropertyReset,
		})
	}
}

func TriggerHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		fired, err := o.TriggerProperty(c.Request.Context(), c.Param("externalId"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"triggered": fired})
	}
}

func RunsHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = min(n, 100)
		}
		runs, err := models.ListPhaseSyncRuns(c.Request.Context(), o.store(), limit)
		if err != nil {
			config.LogError(o.logger, "phasesync", "RunsHandler", "list runs", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]RunSummaryResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"runs": out})
	}
}

func RunDetailHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := findRun(c, o)
		if !ok {
			return
		}
		resp := RunDetailResponse{
			RunSummaryResponse: mapRunToResponse(*run),
			Views:              []ViewResult{},
			Details:            []string{},
			DetailsDropped:     run.DetailsDropped,
		}
		if len(run.ViewsJSON) > 0 {
			_ = json.Unmarshal(run.ViewsJSON, &resp.Views)
		}
		if len(run.DetailsJSON) > 0 {
			_ = json.Unmarshal(run.DetailsJSON, &resp.Details)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RunExportHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := findRun(c, o)
		if !ok {
			return
		}
		c.Header("Content-Type", xlsxContentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=phase-sync-%s.xlsx", run.RunId))
		if err := WriteRunWorkbook(run, c.Writer); err != nil {
			config.LogError(o.logger, "phasesync", "RunExportHandler", "write workbook", map[string]any{"run_id": run.RunId}, err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
}

func ViewsHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"views": o.Views()})
	}
}

func findRun(c *gin.Context, o *Orchestrator) (*models.PhaseSyncRun, bool) {
	run, err := models.GetPhaseSyncRun(c.Request.Context(), o.store(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	return run, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrPropertyLocked):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidWebhook), errors.Is(err, ErrUnknownView):
		return http.StatusBadRequest
	case errors.Is(err, ErrPropertyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrViewFetch):
		return http.StatusBadGateway
	case errors.Is(err, errGateDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapRunToResponse(run models.PhaseSyncRun) RunSummaryResponse {
	return RunSummaryResponse{
		RunId:       run.RunId,
		Scope:       run.Scope,
		ExternalId:  run.ExternalId,
		Outcome:     run.Outcome,
		TriggeredBy: run.TriggeredBy,
		StartedAt:   formatRunTime(run.StartedAt),
		FinishedAt:  formatRunTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
		Counts: Counts{
			Created:         run.Created,
			Updated:         run.Updated,
			Unchanged:       run.Unchanged,
			Skipped:         run.Skipped,
			Errored:         run.Errored,
			TriggersFired:   run.TriggersFired,
			TriggerFailures: run.TriggerFailures,
		},
	}
}

func formatRunTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
