package models_test

import (
	"testing"

	"github.com/vtmapdata/infra_backend/models"
)

func TestInfraTypeForCategory(t *testing.T) {
	cases := map[string]models.InfraType{
		"SIGN":    models.InfraTypeAsset,
		"LAMP":    models.InfraTypeAsset,
		"POTHOLE": models.InfraTypeAbnormality,
		"CRACK":   models.InfraTypeAbnormality,
		"":        models.InfraTypeAbnormality,
	}
	for category, want := range cases {
		if got := models.InfraTypeForCategory(category); got != want {
			t.Errorf("InfraTypeForCategory(%q) = %v, want %v", category, got, want)
		}
	}
}

func TestParseProcessStatus(t *testing.T) {
	for _, s := range []string{"PENDING", "APPROVED", "REJECTED"} {
		got, err := models.ParseProcessStatus(s)
		if err != nil {
			t.Fatalf("ParseProcessStatus(%q): %v", s, err)
		}
		if string(got) != s {
			t.Fatalf("ParseProcessStatus(%q) = %v", s, got)
		}
	}
	if _, err := models.ParseProcessStatus("pending"); err == nil {
		t.Fatalf("lowercase status should not parse")
	}
	if _, err := models.ParseProcessStatus("DONE"); err == nil {
		t.Fatalf("unknown status should not parse")
	}
}

func TestParseEventStatus(t *testing.T) {
	for _, s := range []string{"NEW", "CREATED", "UPDATED", "REPAIR", "LOST"} {
		got, err := models.ParseEventStatus(s)
		if err != nil {
			t.Fatalf("ParseEventStatus(%q): %v", s, err)
		}
		if string(got) != s {
			t.Fatalf("ParseEventStatus(%q) = %v", s, got)
		}
	}
	if _, err := models.ParseEventStatus("BROKEN"); err == nil {
		t.Fatalf("unknown event status should not parse")
	}
}
