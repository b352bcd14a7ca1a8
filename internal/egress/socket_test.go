package egress

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/baikal/cpu-guardian/internal/model"
)

func TestSendReceivesWireSample(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "cpu-guardian.sock")

	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sink, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sink.Close()

	s := model.Sample{TimestampNs: 42, Cycles: 100, Instructions: 50}
	s.DeriveRatios()
	sink.Send(s)

	buf := make([]byte, model.WireSampleSize+8)
	n, err := ln.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != model.WireSampleSize {
		t.Fatalf("datagram size = %d, want %d", n, model.WireSampleSize)
	}

	got, ok := model.DecodeWireSample(buf[:n])
	if !ok {
		t.Fatalf("decode failed")
	}
	if got.TimestampNs != 42 || got.Cycles != 100 || got.Instructions != 50 {
		t.Fatalf("decoded sample mismatch: %+v", got)
	}
}

func TestSendWithNoReceiverDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "gone.sock")

	// Create then remove a listener so dial succeeds against a path that
	// had a listener, then drop it to exercise the tolerate-refused path.
	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sink, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sink.Close()
	ln.Close()
	_ = os.Remove(sockPath)

	sink.Send(model.Sample{TimestampNs: 1}) // receiver gone: dropped silently

	if _, err := Dial(sockPath); err == nil {
		t.Fatalf("expected dial to a nonexistent socket to fail")
	}
}
