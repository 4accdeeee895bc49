package wire_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"skyfleet/internal/model"
	"skyfleet/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	if err := enc.Send(wire.TypeHeartbeat, wire.Heartbeat{SystemID: 1, ComponentID: 1, Mode: "GUIDED"}); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	if err := enc.Send(wire.TypePosition, wire.Position{LatE7: 285355000, LonE7: 773910000, AltMM: 60000, TsMS: 1700000000000}); err != nil {
		t.Fatalf("send position: %v", err)
	}

	dec := wire.NewDecoder(&buf)
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if f.Type != wire.TypeHeartbeat {
		t.Fatalf("expected heartbeat frame, got %s", f.Type)
	}
	var hb wire.Heartbeat
	if err := f.Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.SystemID != 1 || hb.Mode != "GUIDED" {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}

	f, err = dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var pos wire.Position
	if err := f.Decode(&pos); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if pos.Lat() != 28.5355 || pos.Lon() != 77.391 || pos.Alt() != 60 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestDecoderResyncsAfterGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe})
	enc := wire.NewEncoder(&buf)
	if err := enc.Send(wire.TypeStatusText, wire.StatusText{Text: "armed"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	dec := wire.NewDecoder(&buf)
	badMagics := 0
	for {
		f, err := dec.Next()
		if errors.Is(err, wire.ErrBadMagic) {
			badMagics++
			continue
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		var st wire.StatusText
		if err := f.Decode(&st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.Text != "armed" {
			t.Fatalf("unexpected text %q", st.Text)
		}
		break
	}
	if badMagics == 0 {
		t.Fatal("expected at least one bad-magic error before resync")
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := wire.NewDecoder(bytes.NewReader(nil))
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestMissionItemConversionRoundTrip(t *testing.T) {
	items := []model.WaypointItem{
		{Seq: 0, Command: model.CmdTakeoff, X: 28.5355, Y: 77.391, Z: 60},
		{Seq: 1, Command: model.CmdWaypoint, X: 28.5355, Y: 77.391, Z: 25},
		{Seq: 2, Command: model.CmdSetServo, Param1: 9, Param2: 1500},
		{Seq: 3, Command: model.CmdReturnToLaunch},
	}
	for _, item := range items {
		w, err := wire.ItemFromModel(item)
		if err != nil {
			t.Fatalf("to wire: %v", err)
		}
		back, err := w.ToModel()
		if err != nil {
			t.Fatalf("to model: %v", err)
		}
		if back != item {
			t.Fatalf("round trip mismatch: sent %+v got %+v", item, back)
		}
	}
}

func TestItemFromModelRejectsUnknownCommand(t *testing.T) {
	if _, err := wire.ItemFromModel(model.WaypointItem{Command: "hover"}); err == nil {
		t.Fatal("expected error for unknown command kind")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	item := wire.MissionItem{Seq: 3, Command: 16, Param1: 1, XE7: 285355000, YE7: 773910000, Z: 25}
	var a, b bytes.Buffer
	if err := wire.NewEncoder(&a).Send(wire.TypeMissionItem, item); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := wire.NewEncoder(&b).Send(wire.TypeMissionItem, item); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("identical items must encode to identical bytes")
	}
}
