package model

import "time"

// LinkState is the lifecycle state of a vehicle slot's connection.
type LinkState string

const (
	LinkDisconnected LinkState = "disconnected"
	// LinkConnected means a peer has attached but no heartbeat has
	// been observed yet, so the vehicle's identity is unknown.
	LinkConnected LinkState = "connected"
	// LinkLive means heartbeats are flowing and the identity is known.
	LinkLive LinkState = "live"
)

// Position is a geographic fix in degrees and meters above home.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Vehicle is the live state snapshot for one configured slot.
// The ingest loop is the only writer; HTTP readers get copies.
type Vehicle struct {
	Slot        string     `json:"slot"`
	Name        string     `json:"name"`
	SystemID    uint8      `json:"system_id"`
	ComponentID uint8      `json:"component_id"`
	Link        LinkState  `json:"link"`
	Position    *Position  `json:"position,omitempty"`
	Battery     int        `json:"battery"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// Detection is an operator-reviewable sighting reported by the scout.
// Lat/Lon are pointers because a report can arrive without a fix, in
// which case no mission can ever be generated from it.
type Detection struct {
	ID         int64     `json:"detection_id"`
	Slot       string    `json:"slot"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	Confidence float64   `json:"confidence"`
	ReportedAt time.Time `json:"reported_at"`
	Approved   bool      `json:"approved"`
	MissionID  *int64    `json:"mission_id,omitempty"`
}

// CommandKind identifies one mission command.
type CommandKind string

const (
	CmdTakeoff        CommandKind = "takeoff"
	CmdWaypoint       CommandKind = "waypoint"
	CmdSetServo       CommandKind = "set_servo"
	CmdReturnToLaunch CommandKind = "return_to_launch"
)

// WaypointItem is one command within a mission. X/Y are latitude and
// longitude in degrees, Z is altitude in meters. For CmdSetServo,
// Param1 is the servo channel and Param2 the pulse width in us.
type WaypointItem struct {
	Seq     int         `json:"seq"`
	Command CommandKind `json:"command"`
	Frame   int         `json:"frame"`
	Param1  float64     `json:"param1"`
	Param2  float64     `json:"param2"`
	Param3  float64     `json:"param3"`
	Param4  float64     `json:"param4"`
	X       float64     `json:"x"`
	Y       float64     `json:"y"`
	Z       float64     `json:"z"`
}

type MissionStatus string

const (
	MissionGenerated    MissionStatus = "generated"
	MissionUploading    MissionStatus = "uploading"
	MissionUploaded     MissionStatus = "uploaded"
	MissionAcknowledged MissionStatus = "acknowledged"
	MissionFailed       MissionStatus = "failed"
)

// MissionStatusRank orders statuses; transitions may only increase.
var MissionStatusRank = map[MissionStatus]int{
	MissionGenerated:    1,
	MissionUploading:    2,
	MissionUploaded:     3,
	MissionAcknowledged: 4,
	MissionFailed:       5,
}

// Terminal reports whether a mission can no longer change status.
func (s MissionStatus) Terminal() bool {
	return s == MissionAcknowledged || s == MissionFailed
}

type Mission struct {
	ID         int64          `json:"mission_id"`
	Slot       string         `json:"slot"`
	Items      []WaypointItem `json:"items"`
	Status     MissionStatus  `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// MissionLog is one line of the per-mission transfer log.
type MissionLog struct {
	ID        int64     `json:"log_id"`
	MissionID int64     `json:"mission_id"`
	LoggedAt  time.Time `json:"logged_at"`
	Message   string    `json:"message"`
}

// TelemetryPoint is one position sample kept in the per-vehicle
// history ring.
type TelemetryPoint struct {
	Ts  time.Time `json:"ts"`
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	Alt float64   `json:"alt"`
}

// Topic tags an event published on the broadcaster.
type Topic string

const (
	TopicHeartbeat       Topic = "heartbeat"
	TopicTelemetry       Topic = "telemetry"
	TopicDetection       Topic = "detection"
	TopicMissionStatus   Topic = "mission_status"
	TopicMissionProgress Topic = "mission_progress"
	TopicLog             Topic = "log"
	TopicDisconnect      Topic = "disconnect"
)

// Event is the unit of fan-out delivered to stream subscribers.
type Event struct {
	EventID string    `json:"event_id"`
	Topic   Topic     `json:"topic"`
	Slot    string    `json:"slot"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Event payloads. Kept as plain structs so the WebSocket bridge can
// serialize them without knowing each topic.

type HeartbeatPayload struct {
	SystemID    uint8  `json:"system_id"`
	ComponentID uint8  `json:"component_id"`
	Mode        string `json:"mode,omitempty"`
}

type TelemetryPayload struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	Alt float64   `json:"alt"`
	Ts  time.Time `json:"ts"`
}

type MissionStatusPayload struct {
	MissionID int64         `json:"mission_id"`
	Status    MissionStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
}

type MissionProgressPayload struct {
	Seq int `json:"seq"`
}

type LogPayload struct {
	Text string `json:"text"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type DetectionPayload struct {
	Detection Detection `json:"detection"`
}

// Error codes defined by the API contract. Handlers map internal
// sentinel errors onto these so callers can tell "vehicle unreachable"
// from "mission rejected" from "invalid detection".
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrAlreadyApproved    = "E_ALREADY_APPROVED"
	ErrMissingCoordinates = "E_MISSING_COORDINATES"
	ErrAltitudeRange      = "E_ALTITUDE_RANGE"
	ErrUploadBusy         = "E_UPLOAD_BUSY"
	ErrVehicleUnreachable = "E_VEHICLE_UNREACHABLE"
	ErrMissionRejected    = "E_MISSION_REJECTED"
	ErrAckTimeout         = "E_ACK_TIMEOUT"
	ErrLinkClosed         = "E_LINK_CLOSED"
	ErrSlotUnknown        = "E_SLOT_UNKNOWN"
)
