package models

import "fmt"

// InfraType splits inventory into fixed assets (signs, lamps) and
// road-surface abnormalities (potholes, cracks).
type InfraType string

const (
	InfraTypeAsset       InfraType = "ASSET"
	InfraTypeAbnormality InfraType = "ABNORMALITY"
)

// assetCategories drives the category -> type rule. New asset categories are
// a table edit, not a code change.
var assetCategories = map[string]bool{
	"SIGN": true,
	"LAMP": true,
}

// InfraTypeForCategory classifies a detection category.
func InfraTypeForCategory(category string) InfraType {
	if assetCategories[category] {
		return InfraTypeAsset
	}
	return InfraTypeAbnormality
}

// ProcessStatus is the review state of one pending observation. PENDING is
// the only state that permits a transition; APPROVED/REJECTED are terminal.
type ProcessStatus string

const (
	ProcessStatusPending  ProcessStatus = "PENDING"
	ProcessStatusApproved ProcessStatus = "APPROVED"
	ProcessStatusRejected ProcessStatus = "REJECTED"
)

func ParseProcessStatus(s string) (ProcessStatus, error) {
	switch ProcessStatus(s) {
	case ProcessStatusPending, ProcessStatusApproved, ProcessStatusRejected:
		return ProcessStatus(s), nil
	}
	return "", fmt.Errorf("invalid process status %q", s)
}

// EventStatus tags both the proposed linkage of a pending observation
// (NEW/UPDATED) and the kind of a ledger event (NEW/CREATED/UPDATED/REPAIR/LOST).
type EventStatus string

const (
	EventStatusNew     EventStatus = "NEW"
	EventStatusCreated EventStatus = "CREATED"
	EventStatusUpdated EventStatus = "UPDATED"
	EventStatusRepair  EventStatus = "REPAIR"
	EventStatusLost    EventStatus = "LOST"
)

func ParseEventStatus(s string) (EventStatus, error) {
	switch EventStatus(s) {
	case EventStatusNew, EventStatusCreated, EventStatusUpdated, EventStatusRepair, EventStatusLost:
		return EventStatus(s), nil
	}
	return "", fmt.Errorf("invalid event status %q", s)
}
