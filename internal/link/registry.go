package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"skyfleet/internal/config"
	"skyfleet/internal/model"
)

var ErrUnknownSlot = errors.New("unknown vehicle slot")

// Registry owns one listening endpoint per configured slot and the
// currently attached link for each. Links are created here and torn
// down here; borrowers report failures via OnDisconnect.
type Registry struct {
	logger    *slog.Logger
	onConnect func(*Link)

	mu     sync.Mutex
	slots  map[string]*slotEntry
	order  []string
	done   chan struct{}
	closed bool
}

type slotEntry struct {
	cfg     config.SlotConfig
	ln      net.Listener
	current *Link
	waiters []chan *Link
}

func NewRegistry(slots []config.SlotConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger,
		slots:  map[string]*slotEntry{},
		done:   make(chan struct{}),
	}
	for _, sc := range slots {
		r.slots[sc.Name] = &slotEntry{cfg: sc}
		r.order = append(r.order, sc.Name)
	}
	return r
}

// SetOnConnect registers the callback invoked (on its own goroutine)
// each time a new link attaches. The daemon wires telemetry ingest
// here. Must be called before Run.
func (r *Registry) SetOnConnect(fn func(*Link)) {
	r.onConnect = fn
}

// Run opens every slot's listener, accepts connections until ctx is
// cancelled, then tears everything down.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	for _, name := range r.order {
		e := r.slots[name]
		ln, err := net.Listen("tcp", e.cfg.ListenAddr)
		if err != nil {
			r.mu.Unlock()
			r.Close()
			return fmt.Errorf("listen %s for slot %s: %w", e.cfg.ListenAddr, name, err)
		}
		e.ln = ln
		r.logger.Info("slot listening", "slot", name, "addr", ln.Addr().String())
		go r.acceptLoop(e)
	}
	r.mu.Unlock()

	<-ctx.Done()
	r.Close()
	return ctx.Err()
}

func (r *Registry) acceptLoop(e *slotEntry) {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		r.attach(e, conn)
	}
}

// attach installs a new link for the slot, replacing and closing any
// prior one.
func (r *Registry) attach(e *slotEntry, conn net.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	prev := e.current
	l := newLink(e.cfg.Name, conn)
	e.current = l
	waiters := e.waiters
	e.waiters = nil
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn("replacing active link", "slot", e.cfg.Name, "old", prev.RemoteAddr(), "new", l.RemoteAddr())
		prev.Close()
	} else {
		r.logger.Info("vehicle connected", "slot", e.cfg.Name, "addr", l.RemoteAddr())
	}
	for _, w := range waiters {
		w <- l
	}
	if r.onConnect != nil {
		go r.onConnect(l)
	}
}

// Acquire returns the slot's current link, blocking until one attaches
// if the slot is disconnected.
func (r *Registry) Acquire(ctx context.Context, slot string) (*Link, error) {
	r.mu.Lock()
	e, ok := r.slots[slot]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownSlot
	}
	if l := e.current; l != nil {
		r.mu.Unlock()
		return l, nil
	}
	w := make(chan *Link, 1)
	e.waiters = append(e.waiters, w)
	r.mu.Unlock()

	select {
	case l := <-w:
		return l, nil
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentLink returns the attached link without blocking, or nil.
func (r *Registry) CurrentLink(slot string) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[slot]
	if !ok {
		return nil, ErrUnknownSlot
	}
	return e.current, nil
}

// Current reports the slot's link state snapshot.
func (r *Registry) Current(slot string) model.LinkState {
	r.mu.Lock()
	e, ok := r.slots[slot]
	if !ok || e.current == nil {
		r.mu.Unlock()
		return model.LinkDisconnected
	}
	l := e.current
	r.mu.Unlock()
	return l.State()
}

// OnDisconnect is called by ingest or the uploader on I/O failure or
// liveness timeout. The slot returns to disconnected and the listener
// keeps accepting replacements.
func (r *Registry) OnDisconnect(slot string, l *Link) {
	r.mu.Lock()
	e, ok := r.slots[slot]
	if ok && e.current == l {
		e.current = nil
	}
	r.mu.Unlock()
	l.Close()
}

// Addr returns the bound listen address for a slot, useful when the
// configured address picked an ephemeral port.
func (r *Registry) Addr(slot string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[slot]
	if !ok || e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Slots returns the configured slot names in configuration order.
func (r *Registry) Slots() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Close shuts all listeners and tears down every active link.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	var links []*Link
	for _, e := range r.slots {
		if e.ln != nil {
			_ = e.ln.Close()
		}
		if e.current != nil {
			links = append(links, e.current)
			e.current = nil
		}
		e.waiters = nil
	}
	r.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}
