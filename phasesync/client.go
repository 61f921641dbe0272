package phasesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// ExternalRecord is one row as returned by the source system.
type ExternalRecord struct {
	Id          string         `json:"id"`
	CreatedTime string         `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// RecordSource is the read side of the source system used by the engine.
type RecordSource interface {
	FetchView(ctx context.Context, tableId, viewId string) ([]ExternalRecord, error)
	GetRecord(ctx context.Context, tableId, recordId string) (*ExternalRecord, error)
}

// SourceClient talks to the spreadsheet-style REST API of the source system.
type SourceClient struct {
	baseURL     string
	baseId      string
	token       string
	pageSize    int
	maxAttempts int
	retryBase   time.Duration
	http        *http.Client
	limiter     *rate.Limiter
}

// APIError is a non-2xx answer from the source API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source api error %d: %s", e.StatusCode, e.Body)
}

type listResponse struct {
	Records []ExternalRecord `json:"records"`
	Offset  string           `json:"offset"`
}

func NewSourceClient(settings *config.PhaseSyncSettings) (*SourceClient, error) {
	if settings == nil {
		return nil, errors.New("settings are nil")
	}
	if strings.TrimSpace(settings.SourceAPIToken) == "" {
		return nil, errors.New("source api token is empty")
	}
	perSecond := settings.SourceRatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	pageSize := settings.SourcePageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	attempts := settings.FetchMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &SourceClient{
		baseURL:     strings.TrimRight(settings.SourceAPIBaseURL, "/"),
		baseId:      settings.SourceBaseId,
		token:       settings.SourceAPIToken,
		pageSize:    pageSize,
		maxAttempts: attempts,
		retryBase:   500 * time.Millisecond,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
	}, nil
}

// Records walks every page of a view lazily. Each call starts a new walk from
// the first page. A page that fails after retries yields one error and stops.
func (c *SourceClient) Records(ctx context.Context, tableId, viewId string) iter.Seq2[ExternalRecord, error] {
	return func(yield func(ExternalRecord, error) bool) {
		offset := ""
		for {
			params := url.Values{}
			params.Set("pageSize", strconv.Itoa(c.pageSize))
			if viewId != "" {
				params.Set("view", viewId)
			}
			if offset != "" {
				params.Set("offset", offset)
			}
			var page listResponse
			if err := c.getJSON(ctx, c.tablePath(tableId), params, &page); err != nil {
				yield(ExternalRecord{}, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if page.Offset == "" {
				return
			}
			offset = page.Offset
		}
	}
}

// FetchView collects a whole view. Either every page arrives or the view fails.
func (c *SourceClient) FetchView(ctx context.Context, tableId, viewId string) ([]ExternalRecord, error) {
	var out []ExternalRecord
	for rec, err := range c.Records(ctx, tableId, viewId) {
		if err != nil {
			return nil, fmt.Errorf("%w: table=%s view=%s: %v", ErrViewFetch, tableId, viewId, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *SourceClient) GetRecord(ctx context.Context, tableId, recordId string) (*ExternalRecord, error) {
	if strings.TrimSpace(recordId) == "" {
		return nil, errors.New("record id is empty")
	}
	var rec ExternalRecord
	if err := c.getJSON(ctx, c.tablePath(tableId)+"/"+url.PathEscape(recordId), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *SourceClient) tablePath(tableId string) string {
	return "/v0/" + url.PathEscape(c.baseId) + "/" + url.PathEscape(tableId)
}

// getJSON retries network errors, 429 and 5xx with exponential backoff.
// Other client errors fail at once.
func (c *SourceClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		return json.Unmarshal(body, out)
	})
}
