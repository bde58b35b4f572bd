package geocode_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vtmapdata/infra_backend/geocode"
)

type countingGeocoder struct {
	calls   int
	address string
	err     error
}

func (g *countingGeocoder) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	g.calls++
	return g.address, g.err
}

func TestCachedGeocoderPassthroughWithoutRedis(t *testing.T) {
	inner := &countingGeocoder{address: "5 Fallback Ave"}
	cached := geocode.NewCachedGeocoder(inner)

	for i := 1; i <= 2; i++ {
		got, err := cached.ReverseGeocode(context.Background(), 40.76, -74.06)
		if err != nil {
			t.Fatalf("ReverseGeocode: %v", err)
		}
		if got != "5 Fallback Ave" {
			t.Fatalf("address = %q", got)
		}
		if inner.calls != i {
			t.Fatalf("inner calls = %d, want %d (no cache without redis)", inner.calls, i)
		}
	}
}

func TestCachedGeocoderPropagatesErrors(t *testing.T) {
	wantErr := errors.New("upstream down")
	cached := geocode.NewCachedGeocoder(&countingGeocoder{err: wantErr})

	_, err := cached.ReverseGeocode(context.Background(), 40.76, -74.06)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
