// Package telemetry maintains the live vehicle state for each slot by
// decoding inbound protocol frames. One ingest loop runs per attached
// link; it is the single writer for that vehicle's snapshot and the
// liveness watchdog for the slot.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"skyfleet/internal/config"
	"skyfleet/internal/events"
	"skyfleet/internal/link"
	"skyfleet/internal/model"
	"skyfleet/internal/security"
	"skyfleet/internal/wire"
)

// VehicleStore persists slow-changing vehicle fields. The sqlite
// store implements it; tests pass nil.
type VehicleStore interface {
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
}

type Ingestor struct {
	logger         *slog.Logger
	reg            *link.Registry
	bus            *events.Broadcaster
	store          VehicleStore
	livenessWindow time.Duration

	mu       sync.Mutex
	order    []string
	vehicles map[string]*vehicleState
}

// vehicleState pairs the snapshot with its own lock so HTTP readers
// of one vehicle never contend with the other vehicle's ingest loop.
type vehicleState struct {
	mu      sync.Mutex
	v       model.Vehicle
	history *History
}

func NewIngestor(cfg config.Config, reg *link.Registry, bus *events.Broadcaster, store VehicleStore, logger *slog.Logger) *Ingestor {
	in := &Ingestor{
		logger:         logger,
		reg:            reg,
		bus:            bus,
		store:          store,
		livenessWindow: cfg.LivenessWindow,
		vehicles:       map[string]*vehicleState{},
	}
	for _, sc := range cfg.Slots {
		in.order = append(in.order, sc.Name)
		in.vehicles[sc.Name] = &vehicleState{
			v: model.Vehicle{
				Slot:    sc.Name,
				Name:    titleCase(sc.Name),
				Link:    model.LinkDisconnected,
				Battery: -1,
			},
			history: NewHistory(cfg.HistoryCapacity),
		}
	}
	return in
}

// Vehicle returns a copy of the slot's live snapshot.
func (in *Ingestor) Vehicle(slot string) (model.Vehicle, bool) {
	in.mu.Lock()
	vs, ok := in.vehicles[slot]
	in.mu.Unlock()
	if !ok {
		return model.Vehicle{}, false
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return copyVehicle(vs.v), true
}

// Vehicles returns snapshots for every slot in configuration order.
func (in *Ingestor) Vehicles() []model.Vehicle {
	out := make([]model.Vehicle, 0, len(in.order))
	for _, slot := range in.order {
		if v, ok := in.Vehicle(slot); ok {
			out = append(out, v)
		}
	}
	return out
}

// History returns up to limit recent telemetry points, oldest first.
func (in *Ingestor) History(slot string, limit int) []model.TelemetryPoint {
	in.mu.Lock()
	vs, ok := in.vehicles[slot]
	in.mu.Unlock()
	if !ok {
		return nil
	}
	return vs.history.Snapshot(limit)
}

// Run is the per-link ingest loop. It returns when the link is torn
// down, the liveness window lapses without a heartbeat, or ctx ends.
func (in *Ingestor) Run(ctx context.Context, l *link.Link) {
	slot := l.Slot()
	in.mu.Lock()
	vs, ok := in.vehicles[slot]
	in.mu.Unlock()
	if !ok {
		in.logger.Error("link for unconfigured slot", "slot", slot)
		l.Close()
		return
	}

	vs.mu.Lock()
	vs.v.Link = model.LinkConnected
	vs.mu.Unlock()

	frames := make(chan wire.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := l.ReadFrame()
			if err != nil {
				if errors.Is(err, wire.ErrBadMagic) || errors.Is(err, wire.ErrShortPayload) {
					in.logger.Warn("dropping malformed frame", "slot", slot, "err", err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-l.Closed():
				return
			}
		}
	}()

	liveness := time.NewTimer(in.livenessWindow)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			in.disconnect(ctx, vs, l, "shutdown")
			return
		case f := <-frames:
			if f.Type == wire.TypeHeartbeat {
				if !liveness.Stop() {
					select {
					case <-liveness.C:
					default:
					}
				}
				liveness.Reset(in.livenessWindow)
			}
			in.apply(ctx, vs, l, f)
		case err := <-readErr:
			if !errors.Is(err, link.ErrClosed) {
				in.logger.Warn("link read failed", "slot", slot, "err", err)
			}
			in.disconnect(ctx, vs, l, "link closed")
			return
		case <-liveness.C:
			in.logger.Warn("no heartbeat within liveness window", "slot", slot, "window", in.livenessWindow)
			in.disconnect(ctx, vs, l, "liveness timeout")
			return
		}
	}
}

func (in *Ingestor) apply(ctx context.Context, vs *vehicleState, l *link.Link, f wire.Frame) {
	slot := l.Slot()
	now := time.Now().UTC()

	if f.Type.MissionProtocol() {
		l.RouteMission(f)
		return
	}

	switch f.Type {
	case wire.TypeHeartbeat:
		var hb wire.Heartbeat
		if err := f.Decode(&hb); err != nil {
			in.logger.Warn("bad heartbeat payload", "slot", slot, "err", err)
			return
		}
		l.MarkLive(hb.SystemID, hb.ComponentID)
		vs.mu.Lock()
		vs.v.SystemID = hb.SystemID
		vs.v.ComponentID = hb.ComponentID
		vs.v.Link = model.LinkLive
		vs.v.LastSeenAt = &now
		snapshot := copyVehicle(vs.v)
		vs.mu.Unlock()
		in.persist(ctx, snapshot)
		in.bus.Publish(model.Event{
			Topic: model.TopicHeartbeat,
			Slot:  slot,
			Payload: model.HeartbeatPayload{
				SystemID:    hb.SystemID,
				ComponentID: hb.ComponentID,
				Mode:        hb.Mode,
			},
		})

	case wire.TypePosition:
		var pos wire.Position
		if err := f.Decode(&pos); err != nil {
			in.logger.Warn("bad position payload", "slot", slot, "err", err)
			return
		}
		ts := now
		if pos.TsMS > 0 {
			ts = time.UnixMilli(pos.TsMS).UTC()
		}
		vs.mu.Lock()
		vs.v.Position = &model.Position{Lat: pos.Lat(), Lon: pos.Lon(), Alt: pos.Alt()}
		vs.v.LastSeenAt = &now
		vs.mu.Unlock()
		vs.history.Append(model.TelemetryPoint{Ts: ts, Lat: pos.Lat(), Lon: pos.Lon(), Alt: pos.Alt()})
		in.bus.Publish(model.Event{
			Topic: model.TopicTelemetry,
			Slot:  slot,
			Payload: model.TelemetryPayload{
				Lat: pos.Lat(),
				Lon: pos.Lon(),
				Alt: pos.Alt(),
				Ts:  ts,
			},
		})

	case wire.TypeSystemStatus:
		var st wire.SystemStatus
		if err := f.Decode(&st); err != nil {
			in.logger.Warn("bad system status payload", "slot", slot, "err", err)
			return
		}
		vs.mu.Lock()
		changed := vs.v.Battery != int(st.BatteryPct)
		vs.v.Battery = int(st.BatteryPct)
		snapshot := copyVehicle(vs.v)
		vs.mu.Unlock()
		if changed {
			in.persist(ctx, snapshot)
		}

	case wire.TypeStatusText:
		var st wire.StatusText
		if err := f.Decode(&st); err != nil {
			in.logger.Warn("bad status text payload", "slot", slot, "err", err)
			return
		}
		text := security.SanitizeStatusText(st.Text)
		if text == "" {
			return
		}
		in.bus.Publish(model.Event{
			Topic:   model.TopicLog,
			Slot:    slot,
			Payload: model.LogPayload{Text: text},
		})

	case wire.TypeMissionProgress:
		var mp wire.MissionProgress
		if err := f.Decode(&mp); err != nil {
			in.logger.Warn("bad mission progress payload", "slot", slot, "err", err)
			return
		}
		in.bus.Publish(model.Event{
			Topic:   model.TopicMissionProgress,
			Slot:    slot,
			Payload: model.MissionProgressPayload{Seq: int(mp.Seq)},
		})

	default:
		// Unrecognized frame types are ignored for forward
		// compatibility with newer vehicle firmware.
	}
}

// disconnect hands the link back to the registry. The disconnect
// event fires only when the slot actually ends up disconnected, not
// when a replacement link has already taken over.
func (in *Ingestor) disconnect(ctx context.Context, vs *vehicleState, l *link.Link, reason string) {
	slot := l.Slot()
	in.reg.OnDisconnect(slot, l)
	if in.reg.Current(slot) != model.LinkDisconnected {
		return
	}
	vs.mu.Lock()
	vs.v.Link = model.LinkDisconnected
	snapshot := copyVehicle(vs.v)
	vs.mu.Unlock()
	in.persist(ctx, snapshot)
	in.bus.Publish(model.Event{
		Topic:   model.TopicDisconnect,
		Slot:    slot,
		Payload: model.DisconnectPayload{Reason: reason},
	})
}

func (in *Ingestor) persist(ctx context.Context, v model.Vehicle) {
	if in.store == nil {
		return
	}
	if err := in.store.UpsertVehicle(ctx, v); err != nil {
		in.logger.Warn("persist vehicle failed", "slot", v.Slot, "err", err)
	}
}

func copyVehicle(v model.Vehicle) model.Vehicle {
	out := v
	if v.Position != nil {
		p := *v.Position
		out.Position = &p
	}
	if v.LastSeenAt != nil {
		t := *v.LastSeenAt
		out.LastSeenAt = &t
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
