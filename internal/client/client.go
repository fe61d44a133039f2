package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kjstillabower/postal-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

// DefaultAPIURL is the WeatherAPI.com forecast endpoint.
const DefaultAPIURL = "https://api.weatherapi.com/v1/forecast.json"

// maxErrorBody caps how much of a failed response is read when looking for a provider error code.
const maxErrorBody = 64 << 10

// WeatherClient fetches the one-day forecast payload for a postal code.
type WeatherClient interface {
	Forecast(ctx context.Context, postalCode string) (ForecastPayload, error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrQuotaExceeded   = errors.New("API key has exceeded calls per month quota")
	ErrKeyDisabled     = errors.New("API key has been disabled")
	ErrAccessDenied    = errors.New("API key does not have access to the resource")
)

// Provider error codes WeatherAPI.com returns with HTTP 403 for account problems.
const (
	CodeQuotaExceeded = 2007
	CodeKeyDisabled   = 2008
	CodeAccessDenied  = 2009
)

// ProviderError is a non-success response from WeatherAPI.com. Code is 0 when
// the body carried no parsable error object.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("weatherapi HTTP %d: code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("weatherapi HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response to a sentinel. Account errors are only recognized on HTTP 403.
func (e *ProviderError) Unwrap() error {
	if e.StatusCode == http.StatusForbidden {
		switch e.Code {
		case CodeQuotaExceeded:
			return ErrQuotaExceeded
		case CodeKeyDisabled:
			return ErrKeyDisabled
		case CodeAccessDenied:
			return ErrAccessDenied
		}
	}
	return ErrUpstreamFailure
}

// ForecastPayload is the subset of the forecast.json body the service reads.
// Nested objects are pointers so a missing section can be told apart from zero values.
type ForecastPayload struct {
	Current  *Current  `json:"current"`
	Forecast *Forecast `json:"forecast"`
}

type Current struct {
	LastUpdated      *string  `json:"last_updated"`
	LastUpdatedEpoch *int64   `json:"last_updated_epoch"`
	TempC            *float64 `json:"temp_c"`
	TempF            *float64 `json:"temp_f"`
	FeelsLikeC       *float64 `json:"feelslike_c"`
	FeelsLikeF       *float64 `json:"feelslike_f"`
	WindChillC       *float64 `json:"windchill_c"`
	WindChillF       *float64 `json:"windchill_f"`
}

type Forecast struct {
	ForecastDay []ForecastDay `json:"forecastday"`
}

type ForecastDay struct {
	Day *Day `json:"day"`
}

type Day struct {
	MaxTempC *float64 `json:"maxtemp_c"`
	MaxTempF *float64 `json:"maxtemp_f"`
	MinTempC *float64 `json:"mintemp_c"`
	MinTempF *float64 `json:"mintemp_f"`
}

// Today returns the first forecast day summary, or nil when absent.
func (p ForecastPayload) Today() *Day {
	if p.Forecast == nil || len(p.Forecast.ForecastDay) == 0 {
		return nil
	}
	return p.Forecast.ForecastDay[0].Day
}

type errorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WeatherAPIClient calls the WeatherAPI.com forecast endpoint. Calls are not retried.
type WeatherAPIClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewWeatherAPIClient creates a client. breaker may be nil to call the provider unguarded.
func NewWeatherAPIClient(apiKey, apiURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) (*WeatherAPIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	return &WeatherAPIClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		breaker: breaker,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Forecast fetches today's forecast for postalCode. Provider rejections are
// returned as *ProviderError; everything else wraps ErrUpstreamFailure.
func (c *WeatherAPIClient) Forecast(ctx context.Context, postalCode string) (ForecastPayload, error) {
	ctx, span := observability.Tracer().Start(ctx, "weatherapi.forecast")
	defer span.End()

	if c.breaker == nil {
		return c.callAPI(ctx, postalCode)
	}

	var (
		payload   ForecastPayload
		rejectErr error
	)
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		payload, callErr = c.callAPI(ctx, postalCode)
		// A provider rejection means the provider is up; only outages count against the breaker.
		var perr *ProviderError
		if errors.As(callErr, &perr) && perr.StatusCode < http.StatusInternalServerError {
			rejectErr = callErr
			return nil
		}
		return callErr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			observability.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
			return ForecastPayload{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
		}
		span.RecordError(err)
		return ForecastPayload{}, err
	}
	if rejectErr != nil {
		span.RecordError(rejectErr)
		return ForecastPayload{}, rejectErr
	}
	return payload, nil
}

func (c *WeatherAPIClient) callAPI(ctx context.Context, postalCode string) (ForecastPayload, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, postalCode)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return ForecastPayload{}, fmt.Errorf("%w: build request: %v", ErrUpstreamFailure, err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ForecastPayload{}, fmt.Errorf("%w: request timeout: %w", ErrUpstreamFailure, err)
		}
		return ForecastPayload{}, fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ForecastPayload{}, parseErrorResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ForecastPayload{}, fmt.Errorf("%w: read response body: %w", ErrUpstreamFailure, err)
	}
	var payload ForecastPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ForecastPayload{}, fmt.Errorf("%w: parse response: %w", ErrUpstreamFailure, err)
	}
	return payload, nil
}

func (c *WeatherAPIClient) buildRequest(ctx context.Context, postalCode string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("q", postalCode)
	params.Set("days", "1")
	params.Set("aqi", "no")
	params.Set("alerts", "no")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// parseErrorResponse reads the provider's {"error":{"code","message"}} body. An
// unreadable or non-JSON body falls back to the HTTP status text with code 0.
func parseErrorResponse(resp *http.Response) *ProviderError {
	perr := &ProviderError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return perr
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || eb.Error == nil {
		return perr
	}
	perr.Code = eb.Error.Code
	if eb.Error.Message != "" {
		perr.Message = eb.Error.Message
	}
	return perr
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusForbidden:
		return "forbidden"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
