package utils_test

import (
	"math"
	"strings"
	"testing"

	"github.com/vtmapdata/infra_backend/utils"
)

func TestCalculateDistanceInMeters(t *testing.T) {
	// 0.001 degrees of longitude on the equator is ~111.195m.
	d := utils.CalculateDistanceInMeters(0, 0, 0, 0.001)
	if d < 111.0 || d > 111.4 {
		t.Fatalf("equator distance = %v, want ~111.195", d)
	}

	// Rounded to 4 decimal places.
	scaled := d * 10000
	if math.Abs(scaled-math.Round(scaled)) > 1e-6 {
		t.Fatalf("distance %v not rounded to 4 decimal places", d)
	}

	if got := utils.CalculateDistanceInMeters(40.5, -74.2, 40.5, -74.2); got != 0 {
		t.Fatalf("same point distance = %v, want 0", got)
	}

	forward := utils.CalculateDistanceInMeters(40.5, -74.2, 40.6, -74.1)
	backward := utils.CalculateDistanceInMeters(40.6, -74.1, 40.5, -74.2)
	if forward != backward {
		t.Fatalf("distance not symmetric: %v vs %v", forward, backward)
	}
}

func TestInfraKeyId(t *testing.T) {
	// Canonical geohash test vector: (57.64911, 10.40744) -> "u4pruydqqvj".
	got := utils.InfraKeyId("SIGN", 57.64911, 10.40744)
	if got != "SIGN-u4pruydqq" {
		t.Fatalf("InfraKeyId = %q, want %q", got, "SIGN-u4pruydqq")
	}

	again := utils.InfraKeyId("SIGN", 57.64911, 10.40744)
	if got != again {
		t.Fatalf("InfraKeyId not deterministic: %q vs %q", got, again)
	}

	other := utils.InfraKeyId("SIGN", 40.689247, -74.044502)
	if other == got {
		t.Fatalf("different locations produced the same key %q", got)
	}
	if !strings.HasPrefix(other, "SIGN-") || len(other) != len("SIGN-")+9 {
		t.Fatalf("unexpected key shape %q", other)
	}

	if utils.InfraKeyId("LAMP", 57.64911, 10.40744) == got {
		t.Fatalf("different categories produced the same key")
	}
}
