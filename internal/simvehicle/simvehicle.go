// Package simvehicle is a scriptable stand-in for a real drone. It
// dials a slot endpoint, heartbeats, answers the mission-transfer
// exchange, and can replay canned telemetry. The sim command runs it
// interactively; tests use it to exercise the daemon end to end.
package simvehicle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"skyfleet/internal/wire"
)

type Options struct {
	SystemID    uint8
	ComponentID uint8
	Mode        string
	// HeartbeatInterval defaults to 200ms. Negative disables
	// heartbeats entirely.
	HeartbeatInterval time.Duration
	// AckResult is sent after the last uploaded item. Defaults to
	// accepted.
	AckResult uint8
	// NoAck suppresses the final acknowledgment, simulating a vehicle
	// that dies mid-transfer.
	NoAck bool
	// IgnoreMission makes the vehicle never answer mission frames.
	IgnoreMission bool
	// Stored is the mission served when the daemon fetches.
	Stored []wire.MissionItem
}

// Vehicle is one simulated drone connection.
type Vehicle struct {
	conn net.Conn
	enc  *wire.Encoder
	opts Options

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	received  []wire.MissionItem
	expecting int
}

// Dial connects to a slot endpoint and starts the protocol loops.
func Dial(addr string, opts Options) (*Vehicle, error) {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 200 * time.Millisecond
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial slot %s: %w", addr, err)
	}
	v := &Vehicle{
		conn:   conn,
		enc:    wire.NewEncoder(conn),
		opts:   opts,
		closed: make(chan struct{}),
	}
	go v.heartbeatLoop()
	go v.readLoop()
	return v, nil
}

func (v *Vehicle) Close() {
	v.closeOnce.Do(func() {
		close(v.closed)
		_ = v.conn.Close()
	})
}

// Closed is signalled when the connection is gone.
func (v *Vehicle) Closed() <-chan struct{} { return v.closed }

// Received returns the mission items accepted so far, in upload order.
func (v *Vehicle) Received() []wire.MissionItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]wire.MissionItem, len(v.received))
	copy(out, v.received)
	return out
}

// WaitMission blocks until n items have been received or the deadline
// passes.
func (v *Vehicle) WaitMission(n int, timeout time.Duration) ([]wire.MissionItem, error) {
	deadline := time.Now().Add(timeout)
	for {
		got := v.Received()
		if len(got) >= n {
			return got, nil
		}
		if time.Now().After(deadline) {
			return got, fmt.Errorf("received %d of %d items before deadline", len(got), n)
		}
		select {
		case <-v.closed:
			return got, errors.New("vehicle connection closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SendPosition reports a position fix in degrees and meters.
func (v *Vehicle) SendPosition(lat, lon, alt float64) error {
	return v.enc.Send(wire.TypePosition, wire.Position{
		LatE7: int32(lat * 1e7),
		LonE7: int32(lon * 1e7),
		AltMM: int32(alt * 1000),
		TsMS:  time.Now().UnixMilli(),
	})
}

func (v *Vehicle) SendStatusText(text string) error {
	return v.enc.Send(wire.TypeStatusText, wire.StatusText{Text: text})
}

func (v *Vehicle) SendBattery(pct int8) error {
	return v.enc.Send(wire.TypeSystemStatus, wire.SystemStatus{BatteryPct: pct})
}

func (v *Vehicle) SendMissionProgress(seq uint16) error {
	return v.enc.Send(wire.TypeMissionProgress, wire.MissionProgress{Seq: seq})
}

// FlyTo replays a straight-line track from the current scripted point
// to the target, one sample per tick, until ctx ends or the track is
// done. Used by the sim command's flyto directive.
func (v *Vehicle) FlyTo(ctx context.Context, from, to [2]float64, alt float64, steps int, tick time.Duration) error {
	if steps < 1 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		lat := from[0] + (to[0]-from[0])*frac
		lon := from[1] + (to[1]-from[1])*frac
		if err := v.SendPosition(lat, lon, alt); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.closed:
			return errors.New("vehicle connection closed")
		case <-time.After(tick):
		}
	}
	return nil
}

func (v *Vehicle) heartbeatLoop() {
	if v.opts.HeartbeatInterval < 0 {
		return
	}
	hb := wire.Heartbeat{
		SystemID:    v.opts.SystemID,
		ComponentID: v.opts.ComponentID,
		Mode:        v.opts.Mode,
	}
	// First beat immediately so the daemon marks the slot live.
	if err := v.enc.Send(wire.TypeHeartbeat, hb); err != nil {
		v.Close()
		return
	}
	ticker := time.NewTicker(v.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.closed:
			return
		case <-ticker.C:
			if err := v.enc.Send(wire.TypeHeartbeat, hb); err != nil {
				v.Close()
				return
			}
		}
	}
}

func (v *Vehicle) readLoop() {
	dec := wire.NewDecoder(v.conn)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, wire.ErrBadMagic) || errors.Is(err, wire.ErrShortPayload) {
				continue
			}
			v.Close()
			return
		}
		if v.opts.IgnoreMission {
			continue
		}
		if err := v.handle(f); err != nil {
			v.Close()
			return
		}
	}
}

func (v *Vehicle) handle(f wire.Frame) error {
	switch f.Type {
	case wire.TypeMissionCount:
		var mc wire.MissionCount
		if err := f.Decode(&mc); err != nil {
			return err
		}
		v.mu.Lock()
		v.expecting = int(mc.Count)
		v.received = v.received[:0]
		v.mu.Unlock()
		if mc.Count == 0 {
			return v.sendAck()
		}
		return v.enc.Send(wire.TypeMissionRequest, wire.MissionRequest{Seq: 0})

	case wire.TypeMissionItem:
		var item wire.MissionItem
		if err := f.Decode(&item); err != nil {
			return err
		}
		v.mu.Lock()
		v.received = append(v.received, item)
		next := len(v.received)
		total := v.expecting
		v.mu.Unlock()
		if next < total {
			return v.enc.Send(wire.TypeMissionRequest, wire.MissionRequest{Seq: uint16(next)})
		}
		return v.sendAck()

	case wire.TypeMissionRequestList:
		return v.enc.Send(wire.TypeMissionCount, wire.MissionCount{Count: uint16(len(v.opts.Stored))})

	case wire.TypeMissionRequest:
		var req wire.MissionRequest
		if err := f.Decode(&req); err != nil {
			return err
		}
		if int(req.Seq) >= len(v.opts.Stored) {
			return v.enc.Send(wire.TypeMissionAck, wire.MissionAck{Result: wire.AckRejected})
		}
		return v.enc.Send(wire.TypeMissionItem, v.opts.Stored[req.Seq])
	}
	return nil
}

func (v *Vehicle) sendAck() error {
	if v.opts.NoAck {
		return nil
	}
	return v.enc.Send(wire.TypeMissionAck, wire.MissionAck{Result: v.opts.AckResult})
}
