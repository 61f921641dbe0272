package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// PhaseSyncSettings holds everything the phase synchronization engine reads from the environment.
type PhaseSyncSettings struct {
	SourceAPIBaseURL    string `validate:"required,url"`
	SourceAPIToken      string `validate:"required"`
	SourceBaseId        string `validate:"required"`
	SourceRatePerSecond int    `validate:"gte=1,lte=50"`
	SourcePageSize      int    `validate:"gte=1,lte=100"`
	FetchMaxAttempts    int    `validate:"gte=1,lte=10"`

	ViewsFile     string
	WebhookSecret string

	ExtractionWebhookURL     string `validate:"omitempty,url"`
	ExtractionTimeoutSeconds int    `validate:"gte=1,lte=300"`
	ExtractionPhase          string `validate:"required"`
	ExtractionMaxAttempts    int    `validate:"gte=1,lte=10"`

	MaxDetailLines     int    `validate:"gte=1"`
	LockTTLSeconds     int    `validate:"gte=10"`
	DefaultPhoneRegion string `validate:"len=2"`

	EventsTopic       string
	EventsCreateTopic bool

	PushAudience       string
	PushServiceAccount string `validate:"omitempty,email"`
}

var settingsValidator = validator.New()

// LoadPhaseSyncSettings reads and validates the engine settings.
//
// Env:
//   - SOURCE_API_BASE_URL (default https://api.airtable.com)
//   - SOURCE_API_TOKEN, SOURCE_BASE_ID (required)
//   - SOURCE_RATE_LIMIT_PER_SEC (default 5), SOURCE_PAGE_SIZE (default 100), SOURCE_FETCH_MAX_ATTEMPTS (default 3)
//   - PHASE_SYNC_VIEWS_FILE, PHASE_SYNC_WEBHOOK_SECRET
//   - EXTRACTION_WEBHOOK_URL, EXTRACTION_TIMEOUT_SECONDS (default 30), EXTRACTION_PHASE (default budget_review)
//   - PHASE_SYNC_MAX_DETAIL_LINES (default 200), PHASE_SYNC_LOCK_TTL_SECONDS (default 120)
//   - DEFAULT_PHONE_REGION (default ES), PHASE_SYNC_EVENTS_TOPIC
//   - PUBSUB_PUSH_AUDIENCE, PUBSUB_PUSH_SERVICE_ACCOUNT (push endpoint OIDC check)
func LoadPhaseSyncSettings() (*PhaseSyncSettings, error) {
	s := &PhaseSyncSettings{
		SourceAPIBaseURL:         stringFromEnv("SOURCE_API_BASE_URL", "https://api.airtable.com"),
		SourceAPIToken:           strings.TrimSpace(os.Getenv("SOURCE_API_TOKEN")),
		SourceBaseId:             strings.TrimSpace(os.Getenv("SOURCE_BASE_ID")),
		SourceRatePerSecond:      intFromEnv("SOURCE_RATE_LIMIT_PER_SEC", 5),
		SourcePageSize:           intFromEnv("SOURCE_PAGE_SIZE", 100),
		FetchMaxAttempts:         intFromEnv("SOURCE_FETCH_MAX_ATTEMPTS", 3),
		ViewsFile:                strings.TrimSpace(os.Getenv("PHASE_SYNC_VIEWS_FILE")),
		WebhookSecret:            strings.TrimSpace(os.Getenv("PHASE_SYNC_WEBHOOK_SECRET")),
		ExtractionWebhookURL:     strings.TrimSpace(os.Getenv("EXTRACTION_WEBHOOK_URL")),
		ExtractionTimeoutSeconds: intFromEnv("EXTRACTION_TIMEOUT_SECONDS", 30),
		ExtractionPhase:          stringFromEnv("EXTRACTION_PHASE", "budget_review"),
		ExtractionMaxAttempts:    intFromEnv("EXTRACTION_MAX_ATTEMPTS", 3),
		MaxDetailLines:           intFromEnv("PHASE_SYNC_MAX_DETAIL_LINES", 200),
		LockTTLSeconds:           intFromEnv("PHASE_SYNC_LOCK_TTL_SECONDS", 120),
		DefaultPhoneRegion:       strings.ToUpper(stringFromEnv("DEFAULT_PHONE_REGION", "ES")),
		EventsTopic:              strings.TrimSpace(os.Getenv("PHASE_SYNC_EVENTS_TOPIC")),
		EventsCreateTopic:        envBool("PHASE_SYNC_CREATE_TOPIC", false),
		PushAudience:             strings.TrimSpace(os.Getenv("PUBSUB_PUSH_AUDIENCE")),
		PushServiceAccount:       strings.TrimSpace(os.Getenv("PUBSUB_PUSH_SERVICE_ACCOUNT")),
	}
	if err := settingsValidator.Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// EnvBool is the exported form used by the binaries.
func EnvBool(key string, def bool) bool {
	return envBool(key, def)
}
