package geocode_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vtmapdata/infra_backend/geocode"
	"github.com/vtmapdata/infra_backend/utils"
)

func TestReverseGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "jsonv2" {
			t.Errorf("format = %q, want jsonv2", got)
		}
		if r.URL.Query().Get("lat") == "" || r.URL.Query().Get("lon") == "" {
			t.Errorf("missing lat/lon in query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"display_name": "123 Main St, Springfield"}`))
	}))
	defer srv.Close()

	t.Setenv("GEOCODER_URL", srv.URL)
	client := geocode.NewHTTPClient()

	address, err := client.ReverseGeocode(context.Background(), 40.5, -74.2)
	if err != nil {
		t.Fatalf("ReverseGeocode: %v", err)
	}
	if address != "123 Main St, Springfield" {
		t.Fatalf("address = %q", address)
	}
}

func TestReverseGeocodeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	t.Setenv("GEOCODER_URL", srv.URL)
	client := geocode.NewHTTPClient()

	_, err := client.ReverseGeocode(context.Background(), 40.5, -74.2)
	if !errors.Is(err, utils.ErrGeocoderUnavailable) {
		t.Fatalf("err = %v, want ErrGeocoderUnavailable", err)
	}
}

func TestReverseGeocodeEmptyAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"display_name": ""}`))
	}))
	defer srv.Close()

	t.Setenv("GEOCODER_URL", srv.URL)
	client := geocode.NewHTTPClient()

	_, err := client.ReverseGeocode(context.Background(), 40.5, -74.2)
	if !errors.Is(err, utils.ErrGeocoderUnavailable) {
		t.Fatalf("err = %v, want ErrGeocoderUnavailable", err)
	}
}

func TestReverseGeocodeNoBaseURL(t *testing.T) {
	t.Setenv("GEOCODER_URL", "")
	client := geocode.NewHTTPClient()

	_, err := client.ReverseGeocode(context.Background(), 40.5, -74.2)
	if !errors.Is(err, utils.ErrGeocoderUnavailable) {
		t.Fatalf("err = %v, want ErrGeocoderUnavailable", err)
	}
}
