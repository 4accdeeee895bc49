// Package link owns the per-slot vehicle connections. Each configured
// slot has one listening endpoint and at most one attached link; a new
// peer replaces the old one (last writer wins). Telemetry ingest and
// the mission uploader borrow links from the registry and report I/O
// failures back through OnDisconnect.
package link

import (
	"errors"
	"net"
	"sync"
	"time"

	"skyfleet/internal/model"
	"skyfleet/internal/wire"
)

var (
	// ErrClosed is returned by link operations after the registry has
	// torn the link down or the peer went away.
	ErrClosed = errors.New("link closed")
	// ErrNoHeartbeat is returned when a fresh heartbeat does not
	// arrive within the caller's wait window.
	ErrNoHeartbeat = errors.New("no heartbeat from vehicle")
)

const missionFrameBuffer = 32

// Link is one active bidirectional connection to a vehicle slot.
type Link struct {
	slot string
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder

	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	state       model.LinkState
	systemID    uint8
	componentID uint8
	// hbPulse is closed and replaced on every heartbeat so waiters
	// can block for a fresh one rather than a stale identity.
	hbPulse chan struct{}

	missionCh chan wire.Frame
}

func newLink(slot string, conn net.Conn) *Link {
	return &Link{
		slot:      slot,
		conn:      conn,
		enc:       wire.NewEncoder(conn),
		dec:       wire.NewDecoder(conn),
		closed:    make(chan struct{}),
		state:     model.LinkConnected,
		hbPulse:   make(chan struct{}),
		missionCh: make(chan wire.Frame, missionFrameBuffer),
	}
}

func (l *Link) Slot() string { return l.slot }

func (l *Link) RemoteAddr() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.RemoteAddr().String()
}

// Send writes one frame to the vehicle.
func (l *Link) Send(t wire.Type, v any) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	return l.enc.Send(t, v)
}

// ReadFrame reads the next inbound frame. Only the ingest loop calls
// this; mission-protocol frames are routed onward via RouteMission.
func (l *Link) ReadFrame() (wire.Frame, error) {
	f, err := l.dec.Next()
	if err != nil && !errors.Is(err, wire.ErrBadMagic) {
		select {
		case <-l.closed:
			return wire.Frame{}, ErrClosed
		default:
		}
	}
	return f, err
}

// Close tears the link down, unblocking any pending read or wait.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
		l.mu.Lock()
		l.state = model.LinkDisconnected
		l.mu.Unlock()
	})
}

// Closed is signalled when the link is torn down.
func (l *Link) Closed() <-chan struct{} { return l.closed }

func (l *Link) State() model.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Identity returns the protocol identity captured from the first
// heartbeat. ok is false before any heartbeat has been seen.
func (l *Link) Identity() (systemID, componentID uint8, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.systemID, l.componentID, l.state == model.LinkLive
}

// MarkLive records a heartbeat: the slot becomes live, the identity is
// captured, and anyone blocked in WaitHeartbeat is released.
func (l *Link) MarkLive(systemID, componentID uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = model.LinkLive
	l.systemID = systemID
	l.componentID = componentID
	close(l.hbPulse)
	l.hbPulse = make(chan struct{})
}

// WaitHeartbeat blocks until the next heartbeat after the call, then
// returns the vehicle identity. Fails with ErrNoHeartbeat on timeout
// or ErrClosed if the link goes away first.
func (l *Link) WaitHeartbeat(timeout time.Duration) (systemID, componentID uint8, err error) {
	l.mu.Lock()
	pulse := l.hbPulse
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pulse:
		sys, comp, _ := l.Identity()
		return sys, comp, nil
	case <-l.closed:
		return 0, 0, ErrClosed
	case <-timer.C:
		return 0, 0, ErrNoHeartbeat
	}
}

// MissionFrames delivers mission-protocol frames routed off the
// ingest loop to whoever is driving an upload or fetch exchange.
func (l *Link) MissionFrames() <-chan wire.Frame { return l.missionCh }

// RouteMission hands a mission-protocol frame to the exchange driver.
// Never blocks the ingest loop: with no exchange in flight the buffer
// sheds its oldest frame.
func (l *Link) RouteMission(f wire.Frame) {
	select {
	case l.missionCh <- f:
		return
	default:
	}
	select {
	case <-l.missionCh:
	default:
	}
	select {
	case l.missionCh <- f:
	default:
	}
}

// DrainMissionFrames discards buffered frames left over from a prior
// exchange. Called by the uploader before starting a new one.
func (l *Link) DrainMissionFrames() {
	for {
		select {
		case <-l.missionCh:
		default:
			return
		}
	}
}
