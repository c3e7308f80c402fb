// Package upstream is the client for the external uptime-monitoring API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/checksync/checksync/pkg/models"
)

// Sentinel errors for upstream client failures.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrAPIError    = errors.New("upstream api error")
	ErrTimeout     = errors.New("upstream timeout")
)

// Client is the interface for the upstream monitoring API.
type Client interface {
	ListEntities(ctx context.Context) ([]models.Entity, error)
	ListResults(ctx context.Context, entityID string, from, to time.Time) ([]models.CheckResult, error)
	GetResultDetail(ctx context.Context, entityID, resultID string) (*models.ResultDetail, error)
}

// HTTPClient implements Client against the upstream HTTP API.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	accountID string
	pageLimit int
	client    *http.Client
	log       *slog.Logger
}

// NewHTTPClient creates a new upstream HTTP client.
func NewHTTPClient(baseURL, apiKey, accountID string, pageLimit int, timeout time.Duration, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &HTTPClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		accountID: accountID,
		pageLimit: pageLimit,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

func (c *HTTPClient) ListEntities(ctx context.Context) ([]models.Entity, error) {
	u := fmt.Sprintf("%s/v1/entities", c.baseURL)

	var payload []entityPayload
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, err
	}

	entities := make([]models.Entity, 0, len(payload))
	for _, p := range payload {
		entities = append(entities, models.Entity{
			ID:        p.ID,
			AccountID: c.accountID,
			Name:      p.Name,
			Type:      p.Type,
			Locations: p.Locations,
			Activated: p.Activated,
		})
	}
	return entities, nil
}

// ListResults fetches all result summaries for an entity in [from, to],
// following pagination until a short page is returned. Records with an
// unsupported result type are skipped with a warning rather than failing
// the whole page.
func (c *HTTPClient) ListResults(ctx context.Context, entityID string, from, to time.Time) ([]models.CheckResult, error) {
	var results []models.CheckResult

	for page := 1; ; page++ {
		params := url.Values{
			"from":  {strconv.FormatInt(from.Unix(), 10)},
			"to":    {strconv.FormatInt(to.Unix(), 10)},
			"page":  {strconv.Itoa(page)},
			"limit": {strconv.Itoa(c.pageLimit)},
		}
		u := fmt.Sprintf("%s/v1/entities/%s/results?%s", c.baseURL, url.PathEscape(entityID), params.Encode())

		var payload []resultPayload
		if err := c.getJSON(ctx, u, &payload); err != nil {
			return nil, err
		}

		for _, p := range payload {
			r, err := p.toResult(c.accountID)
			if err != nil {
				c.log.Warn("skipping malformed result", "entity_id", entityID, "result_id", p.ID, "error", err)
				continue
			}
			results = append(results, r)
		}

		if len(payload) < c.pageLimit {
			break
		}
	}
	return results, nil
}

func (c *HTTPClient) GetResultDetail(ctx context.Context, entityID, resultID string) (*models.ResultDetail, error) {
	u := fmt.Sprintf("%s/v1/entities/%s/results/%s",
		c.baseURL, url.PathEscape(entityID), url.PathEscape(resultID))

	raw, err := c.getRaw(ctx, u)
	if err != nil {
		return nil, err
	}

	detail, err := models.DecodeDetail(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding result detail: %w", err)
	}
	return detail, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	raw, err := c.getRaw(ctx, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding upstream response: %w", err)
	}
	return nil
}

func (c *HTTPClient) getRaw(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Account-ID", c.accountID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return body, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Upstream wire types ---

type entityPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"checkType"`
	Locations []string `json:"locations"`
	Activated bool     `json:"activated"`
}

type resultPayload struct {
	ID           string    `json:"id"`
	Location     string    `json:"runLocation"`
	StartedAt    time.Time `json:"startedAt"`
	StoppedAt    time.Time `json:"stoppedAt"`
	Attempt      int       `json:"attempts"`
	ResultType   string    `json:"resultType"`
	HasErrors    bool      `json:"hasErrors"`
	HasFailures  bool      `json:"hasFailures"`
	IsDegraded   bool      `json:"isDegraded"`
	ResponseTime float64   `json:"responseTime"`
	EntityID     string    `json:"checkId"`
}

func (p resultPayload) toResult(accountID string) (models.CheckResult, error) {
	var rt models.ResultType
	switch p.ResultType {
	case string(models.ResultTypeFinal):
		rt = models.ResultTypeFinal
	case string(models.ResultTypeAttempt):
		rt = models.ResultTypeAttempt
	default:
		return models.CheckResult{}, fmt.Errorf("unsupported result type %q", p.ResultType)
	}
	if p.ID == "" {
		return models.CheckResult{}, fmt.Errorf("missing result id")
	}

	return models.CheckResult{
		ID:             p.ID,
		EntityID:       p.EntityID,
		AccountID:      accountID,
		Location:       p.Location,
		StartedAt:      p.StartedAt,
		StoppedAt:      p.StoppedAt,
		Attempt:        p.Attempt,
		Type:           rt,
		HasErrors:      p.HasErrors,
		HasFailures:    p.HasFailures,
		IsDegraded:     p.IsDegraded,
		ResponseTimeMs: p.ResponseTime,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
