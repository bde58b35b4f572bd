// Package geocode is the boundary to the external reverse-geocoding service.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/vtmapdata/infra_backend/utils"
)

// Geocoder resolves coordinates to a human-readable address. Implementations
// may fail transiently; callers decide whether to retry the batch.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error)
}

// HTTPClient talks to a Nominatim-compatible reverse endpoint:
// GET {base}/reverse?format=jsonv2&lat=..&lon=.. -> {"display_name": "..."}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient reads GEOCODER_URL and GEOCODER_TIMEOUT_SECONDS (default 10).
func NewHTTPClient() *HTTPClient {
	timeout := 10 * time.Second
	if v := os.Getenv("GEOCODER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	return &HTTPClient{
		baseURL: os.Getenv("GEOCODER_URL"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%w: GEOCODER_URL not set", utils.ErrGeocoderUnavailable)
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", utils.ErrGeocoderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", utils.ErrGeocoderUnavailable, resp.StatusCode)
	}

	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", utils.ErrGeocoderUnavailable, err)
	}
	if body.DisplayName == "" {
		return "", fmt.Errorf("%w: empty address", utils.ErrGeocoderUnavailable)
	}
	return body.DisplayName, nil
}
