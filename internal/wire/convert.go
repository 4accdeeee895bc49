package wire

import (
	"fmt"
	"math"

	"skyfleet/internal/model"
)

// Numeric command codes on the wire, matching the autopilot command
// set the vehicles already understand.
const (
	cmdCodeWaypoint       uint16 = 16
	cmdCodeReturnToLaunch uint16 = 20
	cmdCodeTakeoff        uint16 = 22
	cmdCodeSetServo       uint16 = 183
)

// ItemFromModel converts a waypoint item to its wire form.
func ItemFromModel(item model.WaypointItem) (MissionItem, error) {
	code, err := commandCode(item.Command)
	if err != nil {
		return MissionItem{}, err
	}
	return MissionItem{
		Seq:     uint16(item.Seq),
		Frame:   uint8(item.Frame),
		Command: code,
		Param1:  item.Param1,
		Param2:  item.Param2,
		Param3:  item.Param3,
		Param4:  item.Param4,
		XE7:     scaleE7(item.X),
		YE7:     scaleE7(item.Y),
		Z:       item.Z,
	}, nil
}

// ToModel converts a received mission item back to the model form.
func (m MissionItem) ToModel() (model.WaypointItem, error) {
	kind, err := commandKind(m.Command)
	if err != nil {
		return model.WaypointItem{}, err
	}
	return model.WaypointItem{
		Seq:     int(m.Seq),
		Command: kind,
		Frame:   int(m.Frame),
		Param1:  m.Param1,
		Param2:  m.Param2,
		Param3:  m.Param3,
		Param4:  m.Param4,
		X:       float64(m.XE7) / 1e7,
		Y:       float64(m.YE7) / 1e7,
		Z:       m.Z,
	}, nil
}

func commandCode(kind model.CommandKind) (uint16, error) {
	switch kind {
	case model.CmdWaypoint:
		return cmdCodeWaypoint, nil
	case model.CmdReturnToLaunch:
		return cmdCodeReturnToLaunch, nil
	case model.CmdTakeoff:
		return cmdCodeTakeoff, nil
	case model.CmdSetServo:
		return cmdCodeSetServo, nil
	}
	return 0, fmt.Errorf("unknown command kind %q", kind)
}

func commandKind(code uint16) (model.CommandKind, error) {
	switch code {
	case cmdCodeWaypoint:
		return model.CmdWaypoint, nil
	case cmdCodeReturnToLaunch:
		return model.CmdReturnToLaunch, nil
	case cmdCodeTakeoff:
		return model.CmdTakeoff, nil
	case cmdCodeSetServo:
		return model.CmdSetServo, nil
	}
	return "", fmt.Errorf("unknown command code %d", code)
}

func scaleE7(deg float64) int32 {
	return int32(math.Round(deg * 1e7))
}
