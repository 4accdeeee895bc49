package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skyfleet/internal/config"
	"skyfleet/internal/events"
	"skyfleet/internal/link"
	"skyfleet/internal/model"
	"skyfleet/internal/wire"
)

var (
	// ErrBusy means another upload or fetch already holds the slot's
	// mission channel.
	ErrBusy = errors.New("mission exchange already in progress")
	// ErrUnreachable means the slot has no link or the vehicle stopped
	// heartbeating before the exchange could start.
	ErrUnreachable = errors.New("vehicle unreachable")
	// ErrRejected means the vehicle refused the mission.
	ErrRejected = errors.New("mission rejected by vehicle")
	// ErrAckTimeout means the vehicle went quiet mid-exchange.
	ErrAckTimeout = errors.New("timed out waiting for vehicle")
)

// Store persists mission status transitions and the mission log. The
// sqlite store stamps started_at/finished_at from the status itself.
type Store interface {
	SetMissionStatus(ctx context.Context, id int64, status model.MissionStatus) error
	AppendMissionLog(ctx context.Context, missionID int64, text string) error
}

// Uploader drives the item-by-item mission transfer over a slot's
// link: announce the count, serve each item the vehicle requests, and
// wait for the final acknowledgment. One exchange per slot at a time;
// the vehicle owns exactly one stored mission, so a new upload
// replaces whatever it was flying.
type Uploader struct {
	logger *slog.Logger
	cfg    config.Config
	reg    *link.Registry
	bus    *events.Broadcaster
	store  Store

	mu       sync.Mutex
	inflight map[string]bool
}

func NewUploader(cfg config.Config, reg *link.Registry, bus *events.Broadcaster, store Store, logger *slog.Logger) *Uploader {
	return &Uploader{
		logger:   logger,
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		store:    store,
		inflight: map[string]bool{},
	}
}

func (u *Uploader) acquireSlot(slot string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inflight[slot] {
		return ErrBusy
	}
	u.inflight[slot] = true
	return nil
}

func (u *Uploader) releaseSlot(slot string) {
	u.mu.Lock()
	delete(u.inflight, slot)
	u.mu.Unlock()
}

// Upload transfers the mission to its slot's vehicle. The mission
// record moves generated -> uploading -> uploaded -> acknowledged, or
// to failed with the reason recorded; every transition is persisted
// and broadcast before Upload returns or fails.
func (u *Uploader) Upload(ctx context.Context, m model.Mission) error {
	if err := u.acquireSlot(m.Slot); err != nil {
		return err
	}
	defer u.releaseSlot(m.Slot)

	items := make([]wire.MissionItem, len(m.Items))
	for i, it := range m.Items {
		wi, err := wire.ItemFromModel(it)
		if err != nil {
			return u.fail(ctx, m, fmt.Errorf("convert item %d: %w", it.Seq, err))
		}
		items[i] = wi
	}

	u.setStatus(ctx, m, model.MissionUploading, "")
	u.logf(ctx, m.ID, "upload started: %d items for slot %s", len(items), m.Slot)

	l, err := u.reg.CurrentLink(m.Slot)
	if err != nil {
		return u.fail(ctx, m, err)
	}
	if l == nil {
		return u.fail(ctx, m, fmt.Errorf("%w: slot %s has no link", ErrUnreachable, m.Slot))
	}
	l.DrainMissionFrames()

	if _, _, err := l.WaitHeartbeat(u.cfg.HeartbeatWait); err != nil {
		u.reg.OnDisconnect(m.Slot, l)
		return u.fail(ctx, m, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}

	if err := l.Send(wire.TypeMissionCount, wire.MissionCount{Count: uint16(len(items))}); err != nil {
		u.reg.OnDisconnect(m.Slot, l)
		return u.fail(ctx, m, fmt.Errorf("send count: %w", err))
	}

	sent := 0
	deadline := time.NewTimer(u.cfg.AckTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return u.fail(ctx, m, ctx.Err())
		case <-l.Closed():
			return u.fail(ctx, m, link.ErrClosed)
		case <-deadline.C:
			return u.fail(ctx, m, fmt.Errorf("%w after %d of %d items", ErrAckTimeout, sent, len(items)))
		case f := <-l.MissionFrames():
			switch f.Type {
			case wire.TypeMissionRequest:
				var req wire.MissionRequest
				if err := f.Decode(&req); err != nil {
					return u.fail(ctx, m, err)
				}
				if int(req.Seq) >= len(items) {
					return u.fail(ctx, m, fmt.Errorf("%w: requested item %d of %d", ErrRejected, req.Seq, len(items)))
				}
				if err := l.Send(wire.TypeMissionItem, items[req.Seq]); err != nil {
					u.reg.OnDisconnect(m.Slot, l)
					return u.fail(ctx, m, fmt.Errorf("send item %d: %w", req.Seq, err))
				}
				sent++
				if int(req.Seq) == len(items)-1 {
					u.setStatus(ctx, m, model.MissionUploaded, "")
					u.logf(ctx, m.ID, "all %d items sent, awaiting ack", len(items))
				}
				if !deadline.Stop() {
					<-deadline.C
				}
				deadline.Reset(u.cfg.AckTimeout)

			case wire.TypeMissionAck:
				var ack wire.MissionAck
				if err := f.Decode(&ack); err != nil {
					return u.fail(ctx, m, err)
				}
				if ack.Result != wire.AckAccepted {
					return u.fail(ctx, m, fmt.Errorf("%w: ack result %d", ErrRejected, ack.Result))
				}
				u.setStatus(ctx, m, model.MissionAcknowledged, "")
				u.logf(ctx, m.ID, "vehicle acknowledged mission")
				return nil

			default:
				u.logger.Warn("unexpected frame during upload", "slot", m.Slot, "type", f.Type.String())
			}
		}
	}
}

// FetchCurrent pulls the mission currently stored on the slot's
// vehicle. It shares the per-slot exchange gate with Upload.
func (u *Uploader) FetchCurrent(ctx context.Context, slot string) ([]model.WaypointItem, error) {
	if err := u.acquireSlot(slot); err != nil {
		return nil, err
	}
	defer u.releaseSlot(slot)

	l, err := u.reg.CurrentLink(slot)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: slot %s has no link", ErrUnreachable, slot)
	}
	l.DrainMissionFrames()

	if err := l.Send(wire.TypeMissionRequestList, wire.MissionRequestList{}); err != nil {
		u.reg.OnDisconnect(slot, l)
		return nil, fmt.Errorf("send request list: %w", err)
	}
	f, err := u.nextFrame(ctx, l)
	if err != nil {
		return nil, err
	}
	if f.Type != wire.TypeMissionCount {
		return nil, fmt.Errorf("expected mission count, got %s", f.Type)
	}
	var count wire.MissionCount
	if err := f.Decode(&count); err != nil {
		return nil, err
	}

	items := make([]model.WaypointItem, 0, count.Count)
	for seq := uint16(0); seq < count.Count; seq++ {
		if err := l.Send(wire.TypeMissionRequest, wire.MissionRequest{Seq: seq}); err != nil {
			u.reg.OnDisconnect(slot, l)
			return nil, fmt.Errorf("request item %d: %w", seq, err)
		}
		f, err := u.nextFrame(ctx, l)
		if err != nil {
			return nil, err
		}
		if f.Type != wire.TypeMissionItem {
			return nil, fmt.Errorf("expected mission item, got %s", f.Type)
		}
		var wi wire.MissionItem
		if err := f.Decode(&wi); err != nil {
			return nil, err
		}
		if wi.Seq != seq {
			return nil, fmt.Errorf("expected item %d, vehicle sent %d", seq, wi.Seq)
		}
		it, err := wi.ToModel()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	_ = l.Send(wire.TypeMissionAck, wire.MissionAck{Result: wire.AckAccepted})
	return items, nil
}

func (u *Uploader) nextFrame(ctx context.Context, l *link.Link) (wire.Frame, error) {
	timer := time.NewTimer(u.cfg.FetchTimeout)
	defer timer.Stop()
	select {
	case f := <-l.MissionFrames():
		return f, nil
	case <-l.Closed():
		return wire.Frame{}, link.ErrClosed
	case <-timer.C:
		return wire.Frame{}, ErrAckTimeout
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (u *Uploader) fail(ctx context.Context, m model.Mission, cause error) error {
	u.logger.Warn("mission upload failed", "mission", m.ID, "slot", m.Slot, "err", cause)
	u.setStatus(ctx, m, model.MissionFailed, cause.Error())
	u.logf(ctx, m.ID, "upload failed: %v", cause)
	return cause
}

func (u *Uploader) setStatus(ctx context.Context, m model.Mission, status model.MissionStatus, reason string) {
	if u.store != nil {
		// Status writes must land even when the exchange was cancelled.
		if err := u.store.SetMissionStatus(context.WithoutCancel(ctx), m.ID, status); err != nil {
			u.logger.Error("persist mission status", "mission", m.ID, "status", status, "err", err)
		}
	}
	u.bus.Publish(model.Event{
		Topic: model.TopicMissionStatus,
		Slot:  m.Slot,
		Payload: model.MissionStatusPayload{
			MissionID: m.ID,
			Status:    status,
			Reason:    reason,
		},
	})
}

func (u *Uploader) logf(ctx context.Context, missionID int64, format string, args ...any) {
	if u.store == nil {
		return
	}
	if err := u.store.AppendMissionLog(context.WithoutCancel(ctx), missionID, fmt.Sprintf(format, args...)); err != nil {
		u.logger.Error("append mission log", "mission", missionID, "err", err)
	}
}
