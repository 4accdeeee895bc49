// Package wire implements the vehicle link protocol: fixed five-byte
// frame headers carrying CBOR-encoded payloads. The frame set mirrors
// the telemetry and mission-transfer messages the fleet daemon and the
// vehicles exchange; unknown frame types pass through decode so newer
// vehicles can talk to older daemons.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Frame layout: magic (2 bytes) | type (1 byte) | payload length
// (2 bytes, big-endian) | payload.
var magic = [2]byte{'S', 'K'}

const (
	headerSize     = 5
	maxPayloadSize = 1<<16 - 1
)

type Type uint8

const (
	TypeHeartbeat       Type = 0x01
	TypePosition        Type = 0x02
	TypeSystemStatus    Type = 0x03
	TypeStatusText      Type = 0x04
	TypeMissionProgress Type = 0x05

	TypeMissionCount       Type = 0x10
	TypeMissionItem        Type = 0x11
	TypeMissionRequest     Type = 0x12
	TypeMissionRequestList Type = 0x13
	TypeMissionAck         Type = 0x14
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypePosition:
		return "position"
	case TypeSystemStatus:
		return "system_status"
	case TypeStatusText:
		return "status_text"
	case TypeMissionProgress:
		return "mission_progress"
	case TypeMissionCount:
		return "mission_count"
	case TypeMissionItem:
		return "mission_item"
	case TypeMissionRequest:
		return "mission_request"
	case TypeMissionRequestList:
		return "mission_request_list"
	case TypeMissionAck:
		return "mission_ack"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// MissionProtocol reports whether the frame type belongs to the
// mission-transfer exchange. The ingest loop routes these to whoever
// is driving an upload or fetch instead of applying them to state.
func (t Type) MissionProtocol() bool {
	return t >= TypeMissionCount && t <= TypeMissionAck
}

var (
	ErrBadMagic     = errors.New("wire: bad frame magic")
	ErrShortPayload = errors.New("wire: truncated payload")
)

// Heartbeat carries the vehicle's protocol identity and flight mode.
type Heartbeat struct {
	SystemID    uint8  `cbor:"1,keyasint"`
	ComponentID uint8  `cbor:"2,keyasint"`
	Mode        string `cbor:"3,keyasint,omitempty"`
}

// Position is a global position report. Latitude and longitude travel
// as degrees scaled by 1e7, altitude as millimeters, matching the
// integer convention of the upstream autopilot messages.
type Position struct {
	LatE7 int32 `cbor:"1,keyasint"`
	LonE7 int32 `cbor:"2,keyasint"`
	AltMM int32 `cbor:"3,keyasint"`
	TsMS  int64 `cbor:"4,keyasint"`
}

func (p Position) Lat() float64 { return float64(p.LatE7) / 1e7 }
func (p Position) Lon() float64 { return float64(p.LonE7) / 1e7 }
func (p Position) Alt() float64 { return float64(p.AltMM) / 1000 }

// SystemStatus carries slow-changing health fields.
type SystemStatus struct {
	BatteryPct int8 `cbor:"1,keyasint"`
}

// StatusText is a free-text status line forwarded verbatim.
type StatusText struct {
	Text string `cbor:"1,keyasint"`
}

// MissionProgress reports the waypoint index currently being flown.
type MissionProgress struct {
	Seq uint16 `cbor:"1,keyasint"`
}

// MissionCount opens a mission transfer: the sender will provide
// Count items on request.
type MissionCount struct {
	Count uint16 `cbor:"1,keyasint"`
}

// MissionItem is one waypoint payload. X/Y are scaled like Position;
// Z stays a float altitude in meters.
type MissionItem struct {
	Seq     uint16  `cbor:"1,keyasint"`
	Frame   uint8   `cbor:"2,keyasint"`
	Command uint16  `cbor:"3,keyasint"`
	Param1  float64 `cbor:"4,keyasint"`
	Param2  float64 `cbor:"5,keyasint"`
	Param3  float64 `cbor:"6,keyasint"`
	Param4  float64 `cbor:"7,keyasint"`
	XE7     int32   `cbor:"8,keyasint"`
	YE7     int32   `cbor:"9,keyasint"`
	Z       float64 `cbor:"10,keyasint"`
}

// MissionRequest solicits the item with the given sequence number.
type MissionRequest struct {
	Seq uint16 `cbor:"1,keyasint"`
}

// MissionRequestList solicits a MissionCount for the stored mission.
type MissionRequestList struct{}

// Mission acknowledgment result codes.
const (
	AckAccepted   uint8 = 0
	AckRejected   uint8 = 1
	AckNoSpace    uint8 = 2
	AckBadCommand uint8 = 3
)

// MissionAck closes a mission transfer.
type MissionAck struct {
	Result uint8 `cbor:"1,keyasint"`
}

var encMode cbor.EncMode

func init() {
	// Core deterministic encoding: the same mission always produces
	// identical bytes, which keeps upload retries byte-for-byte
	// reproducible.
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder init: " + err.Error())
	}
}

// Frame is a decoded header plus its raw payload bytes.
type Frame struct {
	Type    Type
	Payload []byte
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := cbor.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Encoder writes frames to a stream. Safe for concurrent use; a frame
// is always written contiguously.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send marshals v and writes it as a single frame of the given type.
func (e *Encoder) Send(t Type, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", t, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("encode %s payload: %d bytes exceeds frame limit", t, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = magic[0]
	buf[1] = magic[1]
	buf[2] = byte(t)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[headerSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	return nil
}

// Decoder reads frames from a stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads one frame. On a magic mismatch it returns ErrBadMagic
// after discarding a single byte, so the caller can log and keep
// reading; the decoder resynchronizes on the next valid header.
func (d *Decoder) Next() (Frame, error) {
	first, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if first != magic[0] {
		return Frame{}, ErrBadMagic
	}
	second, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if second != magic[1] {
		return Frame{}, ErrBadMagic
	}
	var rest [3]byte
	if _, err := io.ReadFull(d.r, rest[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint16(rest[1:3])
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	return Frame{Type: Type(rest[0]), Payload: payload}, nil
}
