package link_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"skyfleet/internal/config"
	"skyfleet/internal/link"
	"skyfleet/internal/model"
	"skyfleet/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRegistry(t *testing.T, slots ...string) (*link.Registry, context.CancelFunc) {
	t.Helper()
	cfgs := make([]config.SlotConfig, 0, len(slots))
	for _, s := range slots {
		cfgs = append(cfgs, config.SlotConfig{Name: s, ListenAddr: "127.0.0.1:0"})
	}
	r := link.NewRegistry(cfgs, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for _, s := range slots {
		for r.Addr(s) == "" {
			if time.Now().After(deadline) {
				t.Fatalf("slot %s never started listening", s)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Cleanup(cancel)
	return r, cancel
}

func TestSlotStartsDisconnected(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	if got := r.Current("scout"); got != model.LinkDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if got := r.Current("nope"); got != model.LinkDisconnected {
		t.Fatalf("expected disconnected for unknown slot, got %s", got)
	}
}

func TestAcquireBlocksUntilConnect(t *testing.T) {
	r, _ := startRegistry(t, "scout")

	type result struct {
		l   *link.Link
		err error
	}
	got := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l, err := r.Acquire(ctx, "scout")
		got <- result{l, err}
	}()

	time.Sleep(20 * time.Millisecond)
	conn, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("acquire: %v", res.err)
		}
		if res.l.Slot() != "scout" {
			t.Fatalf("unexpected slot %s", res.l.Slot())
		}
		if res.l.State() != model.LinkConnected {
			t.Fatalf("expected connected (no heartbeat yet), got %s", res.l.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never returned")
	}
}

func TestAcquireUnknownSlot(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	if _, err := r.Acquire(context.Background(), "ghost"); !errors.Is(err, link.ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
}

func TestNewConnectionReplacesOldLink(t *testing.T) {
	r, _ := startRegistry(t, "delivery")

	first, err := net.Dial("tcp", r.Addr("delivery"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	l1 := waitForLink(t, r, "delivery")

	second, err := net.Dial("tcp", r.Addr("delivery"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	select {
	case <-l1.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("old link was not closed on replacement")
	}
	l2 := waitForLink(t, r, "delivery")
	if l2 == l1 {
		t.Fatal("expected a fresh link after replacement")
	}
}

func TestOnDisconnectRecyclesSlot(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	conn, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	l := waitForLink(t, r, "scout")
	l.MarkLive(1, 1)
	if got := r.Current("scout"); got != model.LinkLive {
		t.Fatalf("expected live, got %s", got)
	}

	r.OnDisconnect("scout", l)
	if got := r.Current("scout"); got != model.LinkDisconnected {
		t.Fatalf("expected disconnected after teardown, got %s", got)
	}
	select {
	case <-l.Closed():
	default:
		t.Fatal("link not closed by OnDisconnect")
	}

	// Slot keeps accepting replacements.
	again, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer again.Close()
	waitForLink(t, r, "scout")
}

func TestWaitHeartbeatFreshPulse(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	conn, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	l := waitForLink(t, r, "scout")

	go func() {
		time.Sleep(30 * time.Millisecond)
		l.MarkLive(7, 1)
	}()
	sys, comp, err := l.WaitHeartbeat(2 * time.Second)
	if err != nil {
		t.Fatalf("wait heartbeat: %v", err)
	}
	if sys != 7 || comp != 1 {
		t.Fatalf("unexpected identity %d/%d", sys, comp)
	}

	if _, _, err := l.WaitHeartbeat(50 * time.Millisecond); !errors.Is(err, link.ErrNoHeartbeat) {
		t.Fatalf("expected ErrNoHeartbeat, got %v", err)
	}
}

func TestWaitHeartbeatUnblocksOnClose(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	conn, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	l := waitForLink(t, r, "scout")

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.OnDisconnect("scout", l)
	}()
	if _, _, err := l.WaitHeartbeat(2 * time.Second); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLinkSendReachesPeer(t *testing.T) {
	r, _ := startRegistry(t, "scout")
	conn, err := net.Dial("tcp", r.Addr("scout"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	l := waitForLink(t, r, "scout")

	if err := l.Send(wire.TypeMissionCount, wire.MissionCount{Count: 6}); err != nil {
		t.Fatalf("send: %v", err)
	}
	dec := wire.NewDecoder(conn)
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("peer decode: %v", err)
	}
	var mc wire.MissionCount
	if err := f.Decode(&mc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mc.Count != 6 {
		t.Fatalf("expected count 6, got %d", mc.Count)
	}
}

func waitForLink(t *testing.T, r *link.Registry, slot string) *link.Link {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		l, err := r.CurrentLink(slot)
		if err != nil {
			t.Fatalf("current link: %v", err)
		}
		if l != nil {
			select {
			case <-l.Closed():
				// Replaced link; keep polling for the live one.
			default:
				return l
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no link attached for %s", slot)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
