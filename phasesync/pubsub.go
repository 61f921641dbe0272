package phasesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

const runCompletedEventType = "phase_sync.run_completed"

// EventPublisher announces finished runs to downstream consumers.
type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, res *SyncRunResult) error
}

type RunCompletedEvent struct {
	EventType   string `json:"eventType"`
	RunId       string `json:"runId"`
	Scope       string `json:"scope"`
	ExternalId  string `json:"externalId,omitempty"`
	TriggeredBy string `json:"triggeredBy"`
	Outcome     string `json:"outcome"`
	Counts
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type PubSubPublisher struct {
	topic       string
	createTopic bool

	ensureOnce sync.Once
	ensureErr  error
}

func NewPubSubPublisher(topic string, createTopic bool) *PubSubPublisher {
	return &PubSubPublisher{topic: topic, createTopic: createTopic}
}

func (p *PubSubPublisher) PublishRunCompleted(ctx context.Context, res *SyncRunResult) error {
	if p.createTopic {
		p.ensureOnce.Do(func() {
			client, err := config.GetClient(ctx)
			if err != nil {
				p.ensureErr = err
				return
			}
			_, p.ensureErr = config.CreateTopicIfNotExists(ctx, client, p.topic)
		})
		if p.ensureErr != nil {
			return p.ensureErr
		}
	}
	event := RunCompletedEvent{
		EventType:   runCompletedEventType,
		RunId:       res.RunId,
		Scope:       res.Scope,
		ExternalId:  res.ExternalId,
		TriggeredBy: res.TriggeredBy,
		Outcome:     res.Outcome,
		Counts:      res.Counts,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
	_, err := config.PublishJSON(ctx, p.topic, event, map[string]string{
		"event_type": runCompletedEventType,
		"outcome":    res.Outcome,
	})
	return err
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageId  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ScheduledRunPayload is the optional message body of a scheduled run.
type ScheduledRunPayload struct {
	TriggeredBy string `json:"triggeredBy"`
}

var errPushIdentity = errors.New("push token not issued to the expected service account")

// PushVerifier checks the bearer token a push subscription attaches to each request.
type PushVerifier func(ctx context.Context, token string) error

// NewOIDCPushVerifier accepts Google-signed ID tokens minted for audience.
// When serviceAccount is set the token must also carry that verified email.
func NewOIDCPushVerifier(audience, serviceAccount string) PushVerifier {
	return func(ctx context.Context, token string) error {
		payload, err := idtoken.Validate(ctx, token, audience)
		if err != nil {
			return err
		}
		if serviceAccount == "" {
			return nil
		}
		email, _ := payload.Claims["email"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		if !verified || !strings.EqualFold(email, serviceAccount) {
			return errPushIdentity
		}
		return nil
	}
}

// PubSubPushHandler starts a full run from a Pub/Sub push subscription.
// Requests without a valid push token get 401 and start nothing; a nil
// verifier refuses every request. Authenticated messages always get 204 so
// Pub/Sub never redelivers; a rejected or failed run is visible in the run
// history instead.
func PubSubPushHandler(o *Orchestrator, verify PushVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBool("ENABLE_PHASE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if verify == nil || !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := verify(c.Request.Context(), strings.TrimSpace(token)); err != nil {
			o.logger.WithError(err).Warn("pubsub push token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		payload := ScheduledRunPayload{TriggeredBy: models.SyncTriggeredScheduled}
		if len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
				c.Status(204)
				return
			}
			if payload.TriggeredBy == "" {
				payload.TriggeredBy = models.SyncTriggeredScheduled
			}
		}

		res, err := o.RunAll(c.Request.Context(), payload.TriggeredBy)
		if err != nil && !errors.Is(err, ErrRunInProgress) {
			config.LogError(o.logger, "phasesync", "PubSubPushHandler", "scheduled run", map[string]any{"message_id": envelope.Message.MessageId}, err)
		} else if res != nil {
			o.logger.WithField("run_id", res.RunId).WithField("outcome", res.Outcome).Info("scheduled phase sync handled")
		}
		c.Status(204)
	}
}
