// Package api defines the JSON envelopes served by the daemon and
// consumed by the CLI client.
package api

import (
	"time"

	"skyfleet/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type VehiclesEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Vehicles      []model.Vehicle `json:"vehicles"`
}

type VehicleEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Vehicle       model.Vehicle `json:"vehicle"`
}

type TelemetryEnvelope struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Slot          string                 `json:"slot"`
	Points        []model.TelemetryPoint `json:"points"`
}

type CreateDetectionRequest struct {
	Slot       string   `json:"slot"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	Confidence float64  `json:"confidence"`
}

type DetectionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Detections    []model.Detection `json:"detections"`
}

type DetectionEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Detection     model.Detection `json:"detection"`
}

// ApproveEnvelope is the result of approving a detection: the updated
// detection plus the mission the approval produced, in its final
// status after the upload attempt.
type ApproveEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Detection     model.Detection `json:"detection"`
	Mission       model.Mission   `json:"mission"`
}

type MissionsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Missions      []model.Mission `json:"missions"`
}

type MissionEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Mission       model.Mission `json:"mission"`
}

type MissionLogsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	MissionID     int64              `json:"mission_id"`
	Logs          []model.MissionLog `json:"logs"`
}

type MissionFetchEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Slot          string               `json:"slot"`
	Items         []model.WaypointItem `json:"items"`
}
