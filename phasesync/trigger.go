package phasesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const signedDocumentTTL = 24 * time.Hour

// DocumentSigner turns a stored document reference into a URL the
// extraction job can download.
type DocumentSigner func(ctx context.Context, ref string) (string, error)

// SignGCSDocument signs gs:// references and passes anything else through.
func SignGCSDocument(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "gs://") || !utils.DocumentSigningEnabled() {
		return ref, nil
	}
	signed, err := utils.SignRead(ctx, ref, signedDocumentTTL)
	if err != nil {
		return "", err
	}
	return signed.URL, nil
}

// TriggerPayload is the body posted to the extraction webhook.
type TriggerPayload struct {
	DocumentRef string       `json:"document_ref"`
	DocumentURL string       `json:"document_url"`
	PropertyId  uint         `json:"property_id"`
	ExternalId  string       `json:"external_id"`
	Address     string       `json:"address"`
	City        string       `json:"city"`
	Phase       models.Phase `json:"phase"`
}

// TriggerGate fires the budget extraction job at most until it has produced
// output. A failed call leaves the property eligible for the next pass.
type TriggerGate struct {
	store       Store
	url         string
	phase       models.Phase
	http        *http.Client
	maxAttempts int
	retryBase   time.Duration
	signer      DocumentSigner
	logger      *logrus.Logger
}

// NewTriggerGate returns nil when no extraction webhook is configured.
func NewTriggerGate(store Store, settings *config.PhaseSyncSettings, logger *logrus.Logger) *TriggerGate {
	if settings == nil || strings.TrimSpace(settings.ExtractionWebhookURL) == "" {
		return nil
	}
	if store == nil {
		store = defaultStore
	}
	timeout := time.Duration(settings.ExtractionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := settings.ExtractionMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &TriggerGate{
		store:       store,
		url:         settings.ExtractionWebhookURL,
		phase:       models.Phase(settings.ExtractionPhase),
		http:        &http.Client{Timeout: timeout},
		maxAttempts: attempts,
		retryBase:   time.Second,
		signer:      SignGCSDocument,
		logger:      logger,
	}
}

// Phase is the phase that requires extraction.
func (g *TriggerGate) Phase() models.Phase {
	return g.phase
}

// TriggerIfNeeded loads the property and fires the extraction job when it is
// in the extraction phase, has a budget document and has no extracted lines.
func (g *TriggerGate) TriggerIfNeeded(ctx context.Context, propertyId uint) (bool, error) {
	var p models.Property
	if err := g.store().WithContext(ctx).Where("id = ?", propertyId).Take(&p).Error; err != nil {
		return false, err
	}
	runId, _ := utils.GetSyncRunIdFromContext(ctx)
	return g.trigger(ctx, runId, &p)
}

// Eligible checks the fire-once precondition without calling out.
func (g *TriggerGate) Eligible(ctx context.Context, p *models.Property) (bool, error) {
	if p.Phase != g.phase || strings.TrimSpace(p.BudgetDocumentRef) == "" {
		return false, nil
	}
	n, err := models.CountExtractedBudgetLines(ctx, g.store(), p.ID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (g *TriggerGate) trigger(ctx context.Context, runId string, p *models.Property) (bool, error) {
	ok, err := g.Eligible(ctx, p)
	if err != nil || !ok {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "phasesync.trigger")
	defer span.End()
	span.SetAttributes(attribute.String("external_id", p.ExternalId))

	started := time.Now()
	attempts, status, err := g.post(ctx, runId, p)
	g.recordAttempt(ctx, runId, p, attempts, status, time.Since(started), err)

	fields := logrus.Fields{"run_id": runId, "external_id": p.ExternalId, "attempts": attempts, "http_status": status}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(g.logger, "phasesync", "TriggerIfNeeded", "extraction trigger failed", fields, err)
		return false, err
	}
	g.logger.WithFields(fields).Info("extraction trigger fired")
	return true, nil
}

func (g *TriggerGate) post(ctx context.Context, runId string, p *models.Property) (int, int, error) {
	docURL, err := g.signer(ctx, p.BudgetDocumentRef)
	if err != nil {
		return 0, 0, fmt.Errorf("sign budget document: %w", err)
	}
	body, err := json.Marshal(TriggerPayload{
		DocumentRef: p.BudgetDocumentRef,
		DocumentURL: docURL,
		PropertyId:  p.ID,
		ExternalId:  p.ExternalId,
		Address:     p.Address,
		City:        p.City,
		Phase:       p.Phase,
	})
	if err != nil {
		return 0, 0, err
	}

	attempts, status := 0, 0
	backoff := retry.WithMaxRetries(uint64(g.maxAttempts-1), retry.NewExponential(g.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		// The extraction job deduplicates on this key.
		req.Header.Set("Idempotency-Key", "budget-extraction:"+p.ExternalId)
		if runId != "" {
			req.Header.Set("X-Run-Id", runId)
		}
		resp, err := g.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		callErr := fmt.Errorf("extraction webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	return attempts, status, err
}

func (g *TriggerGate) recordAttempt(ctx context.Context, runId string, p *models.Property, attempts, status int, took time.Duration, callErr error) {
	attempt := models.TriggerAttempt{
		PropertyId:  p.ID,
		ExternalId:  p.ExternalId,
		RunId:       runId,
		DocumentRef: p.BudgetDocumentRef,
		Status:      models.TriggerAttemptSucceeded,
		HttpStatus:  status,
		Attempts:    attempts,
		DurationMs:  took.Milliseconds(),
	}
	if callErr != nil {
		attempt.Status = models.TriggerAttemptFailed
		attempt.LastError = utils.NewString(utils.Truncate(callErr.Error(), 1000))
	}
	// Audit rows must survive a cancelled caller.
	if err := g.store().WithContext(context.WithoutCancel(ctx)).Create(&attempt).Error; err != nil {
		config.LogError(g.logger, "phasesync", "recordAttempt", "persist trigger attempt", logrus.Fields{"external_id": p.ExternalId}, err)
	}
}

var errGateDisabled = errors.New("extraction trigger is not configured")
