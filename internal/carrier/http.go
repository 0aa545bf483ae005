package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when account credentials are missing.
var ErrNotConfigured = errors.New("carrier credentials are not configured")

const apiVersion = "2010-04-01"

// Config configures HTTPClient.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

// HTTPClient talks to a Twilio-compatible Messages API.
type HTTPClient struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
}

// NewHTTPClient creates a client whose every call is bounded by cfg.Timeout.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("carrier timeout must be positive, got %s", cfg.Timeout)
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type messageResource struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	From         string  `json:"from"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	DateCreated  string  `json:"date_created"`
	DateUpdated  string  `json:"date_updated"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Send posts one message.
func (c *HTTPClient) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", params.To)
	form.Set("Body", params.Body)
	if params.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", params.MessagingServiceSID)
	} else {
		form.Set("From", params.From)
	}
	if params.StatusCallback != "" {
		form.Set("StatusCallback", params.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages.json", c.baseURL, apiVersion, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res messageResource
	if err := c.do(req, &res); err != nil {
		return nil, err
	}

	return &SendResult{
		SID:       res.SID,
		Status:    NormalizeStatus(res.Status),
		From:      res.From,
		CreatedAt: parseTimestamp(res.DateCreated),
	}, nil
}

// Fetch reads the current status of a message.
func (c *HTTPClient) Fetch(ctx context.Context, sid string) (*StatusReport, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages/%s.json", c.baseURL, apiVersion, url.PathEscape(c.accountSID), url.PathEscape(sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	var res messageResource
	if err := c.do(req, &res); err != nil {
		return nil, err
	}

	report := &StatusReport{
		SID:     res.SID,
		Status:  NormalizeStatus(res.Status),
		EventAt: parseTimestamp(res.DateUpdated),
	}
	if res.ErrorCode != nil {
		report.ErrorCode = strconv.Itoa(*res.ErrorCode)
	}
	if res.ErrorMessage != nil {
		report.ErrorMessage = *res.ErrorMessage
	}
	return report, nil
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			cErr.Message = apiErr.Message
			if apiErr.Code != 0 {
				cErr.Code = strconv.Itoa(apiErr.Code)
			}
		}
		return cErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// parseTimestamp accepts the RFC 1123 dates the carrier returns and RFC 3339.
// Unparseable or empty values yield the current time.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
