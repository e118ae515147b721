//go:build linux

package ipc

import (
	"testing"
	"time"
)

func TestSocketPairPreservesRecordBoundaries(t *testing.T) {
	local, remote, err := SocketPair("test")
	if err != nil {
		t.Fatal(err)
	}
	a, err := Conn(local)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Conn(remote)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	var rec [NotificationSize]byte
	(&Notification{Kind: KindSIGABRT, TID: 3}).Encode(&rec)
	if _, err := a.Write(rec[:]); err != nil {
		t.Fatal(err)
	}
	frame := AppendControl(nil, ControlHeader{Type: MsgSample, Seq: 1, TID: 3}, SampleRequest(4096))
	if _, err := a.Write(frame); err != nil {
		t.Fatal(err)
	}

	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, MaxControlFrame)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != NotificationSize {
		t.Fatalf("first read = %d bytes, want %d", n, NotificationSize)
	}
	if got, err := DecodeNotification(buf[:n]); err != nil || got.Kind != KindSIGABRT {
		t.Fatalf("notification = %+v, %v", got, err)
	}

	n, err = b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	h, payload, err := DecodeControl(buf[:n])
	if err != nil || h.Type != MsgSample || h.Seq != 1 {
		t.Fatalf("control = %+v, %v", h, err)
	}
	if w, _ := ParseSampleRequest(payload); w != 4096 {
		t.Errorf("window = %d", w)
	}

	a.Close()
	if _, err := b.Read(buf); err == nil {
		t.Error("expected EOF after peer close")
	}
}

func TestFrameCapacityFitsOneFrame(t *testing.T) {
	local, remote, err := SocketPair("test")
	if err != nil {
		t.Fatal(err)
	}
	a, err := Conn(local)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Conn(remote)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	capacity := FrameCapacity(a)
	if capacity <= 0 || capacity > MaxControlFrame {
		t.Fatalf("capacity = %d", capacity)
	}

	_ = a.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := a.Write(make([]byte, capacity)); err != nil {
		t.Fatalf("writing a %d byte frame: %v", capacity, err)
	}
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, MaxControlFrame)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != capacity {
		t.Errorf("read %d bytes, want %d", n, capacity)
	}
}
