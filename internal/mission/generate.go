// Package mission turns approved detections into flyable waypoint
// missions and drives the item-by-item transfer to a vehicle.
package mission

import (
	"errors"
	"fmt"

	"skyfleet/internal/config"
	"skyfleet/internal/model"
)

var (
	// ErrMissingCoordinates means the detection has no position fix, so
	// no mission can be generated from it.
	ErrMissingCoordinates = errors.New("detection has no coordinates")
	// ErrAltitudeRange means the configured altitude ladder is not
	// strictly increasing or breaches the safety ceiling.
	ErrAltitudeRange = errors.New("altitude profile out of range")
)

// Coordinate frame for waypoint items: altitude relative to home.
const frameRelativeAlt = 3

// Generate builds the delivery mission for a detection: climb to
// cruise, descend over the target in two steps, release the payload,
// climb back out, and return to launch. Item sequence numbers are
// assigned 0..n-1 in flight order. The output depends only on the
// detection coordinates and the altitude configuration.
func Generate(cfg config.Config, d model.Detection) ([]model.WaypointItem, error) {
	if d.Lat == nil || d.Lon == nil {
		return nil, ErrMissingCoordinates
	}
	lat, lon := *d.Lat, *d.Lon
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: lat=%v lon=%v", ErrMissingCoordinates, lat, lon)
	}
	if err := validateAltitudes(cfg); err != nil {
		return nil, err
	}

	items := []model.WaypointItem{
		{Command: model.CmdTakeoff, Frame: frameRelativeAlt, X: lat, Y: lon, Z: cfg.CruiseAlt},
		{Command: model.CmdWaypoint, Frame: frameRelativeAlt, X: lat, Y: lon, Z: cfg.ApproachAlt},
		{Command: model.CmdWaypoint, Frame: frameRelativeAlt, X: lat, Y: lon, Z: cfg.DropAlt},
		{Command: model.CmdSetServo, Frame: frameRelativeAlt, Param1: float64(cfg.ServoChannel), Param2: float64(cfg.ServoOpenPWM)},
		{Command: model.CmdWaypoint, Frame: frameRelativeAlt, X: lat, Y: lon, Z: cfg.CruiseAlt},
		{Command: model.CmdReturnToLaunch, Frame: frameRelativeAlt},
	}
	for i := range items {
		items[i].Seq = i
	}
	return items, nil
}

func validateAltitudes(cfg config.Config) error {
	if cfg.DropAlt <= 0 {
		return fmt.Errorf("%w: drop altitude %v must be positive", ErrAltitudeRange, cfg.DropAlt)
	}
	if cfg.ApproachAlt <= cfg.DropAlt {
		return fmt.Errorf("%w: approach %v must exceed drop %v", ErrAltitudeRange, cfg.ApproachAlt, cfg.DropAlt)
	}
	if cfg.CruiseAlt <= cfg.ApproachAlt {
		return fmt.Errorf("%w: cruise %v must exceed approach %v", ErrAltitudeRange, cfg.CruiseAlt, cfg.ApproachAlt)
	}
	if cfg.CruiseAlt > cfg.SafetyCeiling {
		return fmt.Errorf("%w: cruise %v exceeds safety ceiling %v", ErrAltitudeRange, cfg.CruiseAlt, cfg.SafetyCeiling)
	}
	return nil
}
