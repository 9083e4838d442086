package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Geocoder is the external geocoding collaborator. Resolution failure here
// is never fatal to a post; the resolver degrades to a coordinate-less match.
type Geocoder interface {
	Geocode(ctx context.Context, venueName, address string) (*GeocodeResult, error)
}

// GeocodeResult is the collaborator's validated response.
type GeocodeResult struct {
	IsValid          bool    `json:"isValid"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formattedAddress"`
	Confidence       float64 `json:"confidence"`
}

// GeocoderConfig configures the HTTP geocoding client.
type GeocoderConfig struct {
	Endpoint    string
	APIKey      string
	TimeoutSecs int
	MaxRetries  int
}

// HTTPGeocoder calls the geocoding service with bounded backoff.
type HTTPGeocoder struct {
	config GeocoderConfig
	http   *http.Client
}

// NewHTTPGeocoder creates the standard geocoding client.
func NewHTTPGeocoder(cfg GeocoderConfig) *HTTPGeocoder {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &HTTPGeocoder{
		config: cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

// Geocode resolves a venue name plus address, retrying transient failures
// with exponential backoff.
func (g *HTTPGeocoder) Geocode(ctx context.Context, venueName, address string) (*GeocodeResult, error) {
	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		result, err := g.attempt(ctx, venueName, address)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == g.config.MaxRetries {
			break
		}
		backoff := time.Duration(1<<attempt) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("geocoding failed after %d attempts: %w", g.config.MaxRetries+1, lastErr)
}

func (g *HTTPGeocoder) attempt(ctx context.Context, venueName, address string) (*GeocodeResult, error) {
	payload, err := json.Marshal(map[string]string{
		"venueName": venueName,
		"address":   address,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.config.Endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result GeocodeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	return &result, nil
}

var (
	streetNumberRE = regexp.MustCompile(`\d`)
	addressSepRE   = regexp.MustCompile(`[,\n]`)
)

// IsPlausibleAddress is the validity heuristic gating the geocoder stage:
// an address needs some minimum structure (length, a digit or a separator,
// and more than one word) before an external call is worth making.
func IsPlausibleAddress(address string) bool {
	a := strings.TrimSpace(address)
	if len(a) < 8 {
		return false
	}
	if len(strings.Fields(a)) < 2 {
		return false
	}
	return streetNumberRE.MatchString(a) || addressSepRE.MatchString(a)
}
