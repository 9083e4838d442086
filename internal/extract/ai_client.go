package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AIConfig configures the external AI extraction collaborator.
type AIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	TimeoutSecs int
	MaxRetries  int
}

// AIClient talks to the AI extraction service. The service is a black box
// with a fixed request/response contract; everything it returns is
// validated and coerced at this boundary before the pipeline touches it.
type AIClient struct {
	config AIConfig
	http   *http.Client
}

// AIRequest is the extraction request contract. PostedAt anchors year-less
// dates in the response the same way the regex tier anchors them.
type AIRequest struct {
	Caption      string    `json:"caption"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	LocationHint string    `json:"locationHint,omitempty"`
	PostID       string    `json:"postId"`
	UseOCR       bool      `json:"useOCR"`
	Model        string    `json:"model,omitempty"`
	PostedAt     time.Time `json:"-"`
}

// AIResult is the strict, validated form of the collaborator's response.
// The wire payload is loosely typed; aiWireResponse absorbs the slack and
// this type is what the pipeline consumes.
type AIResult struct {
	Title            string   `json:"title"`
	EventDate        string   `json:"event_date"`
	EventEndDate     string   `json:"event_end_date,omitempty"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time,omitempty"`
	VenueName        string   `json:"venue_name"`
	VenueAddress     string   `json:"venue_address,omitempty"`
	PriceMin         *float64 `json:"price_min,omitempty"`
	PriceMax         *float64 `json:"price_max,omitempty"`
	IsFree           *bool    `json:"is_free,omitempty"`
	SignupURL        string   `json:"signup_url,omitempty"`
	Category         string   `json:"category,omitempty"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning,omitempty"`
	OCRText          string   `json:"ocr_text,omitempty"`
	ExtractionMethod string   `json:"extraction_method,omitempty"`
}

// aiWireResponse tolerates the collaborator's loose typing: numbers as
// strings, booleans as strings, missing fields.
type aiWireResponse struct {
	Title            string          `json:"title"`
	EventDate        string          `json:"eventDate"`
	EventEndDate     string          `json:"eventEndDate"`
	StartTime        string          `json:"eventTime"`
	EndTime          string          `json:"endTime"`
	VenueName        string          `json:"venueName"`
	VenueAddress     string          `json:"venueAddress"`
	PriceMin         json.RawMessage `json:"priceMin"`
	PriceMax         json.RawMessage `json:"priceMax"`
	IsFree           json.RawMessage `json:"isFree"`
	SignupURL        string          `json:"signupUrl"`
	Category         string          `json:"category"`
	Confidence       json.RawMessage `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	OCRText          string          `json:"ocrText"`
	ExtractionMethod string          `json:"extractionMethod"`
}

// HTTPError carries an HTTP failure with status and optional Retry-After.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewAIClient creates a client for the AI extraction collaborator.
func NewAIClient(cfg AIConfig) *AIClient {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 60
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &AIClient{
		config: cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

// Extract calls the collaborator with bounded exponential backoff.
// Rate-limit responses honor Retry-After when present.
func (c *AIClient) Extract(ctx context.Context, req AIRequest) (*AIResult, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		result, err := c.attempt(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == c.config.MaxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		backoff := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == 429 && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("AI extraction failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *AIClient) attempt(ctx context.Context, req AIRequest) (*AIResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != 200 {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody), RetryAfter: retryAfter}
	}

	var wire aiWireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}

	return coerceAIResponse(&wire, req.PostedAt)
}

// coerceAIResponse validates the loose wire payload into a strict AIResult.
// anchor resolves year-less dates; a zero anchor falls back to now.
func coerceAIResponse(wire *aiWireResponse, anchor time.Time) (*AIResult, error) {
	res := &AIResult{
		Title:            strings.TrimSpace(wire.Title),
		VenueName:        strings.TrimSpace(wire.VenueName),
		VenueAddress:     strings.TrimSpace(wire.VenueAddress),
		SignupURL:        strings.TrimSpace(wire.SignupURL),
		Category:         strings.TrimSpace(wire.Category),
		Reasoning:        wire.Reasoning,
		OCRText:          wire.OCRText,
		ExtractionMethod: strings.TrimSpace(wire.ExtractionMethod),
	}

	conf, err := coerceFloat(wire.Confidence)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence: %w", err)
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	res.Confidence = conf

	if anchor.IsZero() {
		anchor = time.Now()
	}

	// Dates and times re-run through the same canonicalizers as regex
	// matches so downstream code sees one format regardless of source.
	if d := strings.TrimSpace(wire.EventDate); d != "" {
		if date, _, ok := ParseDate(d, anchor); ok {
			res.EventDate = date
		}
	}
	if d := strings.TrimSpace(wire.EventEndDate); d != "" {
		if date, _, ok := ParseDate(d, anchor); ok {
			res.EventEndDate = date
		}
	}
	if t := strings.TrimSpace(wire.StartTime); t != "" {
		if start, _, ok := ParseTimeRange(t); ok {
			res.StartTime = start
		}
	}
	if t := strings.TrimSpace(wire.EndTime); t != "" {
		if end, _, ok := ParseTimeRange(t); ok {
			res.EndTime = end
		}
	}

	if v, err := coerceFloatPtr(wire.PriceMin); err == nil {
		res.PriceMin = v
	}
	if v, err := coerceFloatPtr(wire.PriceMax); err == nil {
		res.PriceMax = v
	}
	if v, err := coerceBoolPtr(wire.IsFree); err == nil {
		res.IsFree = v
	}

	return res, nil
}

func coerceFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return 0, fmt.Errorf("not a number: %s", string(raw))
}

func coerceFloatPtr(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	f, err := coerceFloat(raw)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func coerceBoolPtr(raw json.RawMessage) (*bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "1":
			t := true
			return &t, nil
		case "false", "no", "0":
			f := false
			return &f, nil
		}
	}
	return nil, fmt.Errorf("not a boolean: %s", string(raw))
}
