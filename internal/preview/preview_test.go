package preview

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestNewSource_RejectsURL(t *testing.T) {
	if _, err := NewSource("http://camera/stream", nil); err == nil {
		t.Fatal("http URL accepted")
	}
	s, err := NewSource("rtsp://127.0.0.1:8554/stream", nil)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if s.Connected() {
		t.Error("connected before Connect")
	}
	s.Close()
}

func TestHub_FanOutAndDrop(t *testing.T) {
	h := NewHub()
	fast, cancelFast := h.Subscribe(4)
	slow, cancelSlow := h.Subscribe(1)
	defer cancelSlow()

	for i := 0; i < 3; i++ {
		h.Publish(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}})
	}

	for i := 0; i < 3; i++ {
		select {
		case pkt := <-fast:
			if pkt.SequenceNumber != uint16(i) {
				t.Errorf("fast got seq %d, want %d", pkt.SequenceNumber, i)
			}
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}
	if pkt := <-slow; pkt.SequenceNumber != 0 {
		t.Errorf("slow got seq %d", pkt.SequenceNumber)
	}
	select {
	case pkt := <-slow:
		t.Errorf("slow should have dropped, got %d", pkt.SequenceNumber)
	default:
	}

	cancelFast()
	cancelFast()
	if _, ok := <-fast; ok {
		t.Error("cancelled channel still open")
	}
	if n := h.Subscribers(); n != 1 {
		t.Errorf("Subscribers = %d", n)
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	h.Close()
	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	cancel()

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
	h.Publish(&rtp.Packet{})
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := backoff(64); got != 30*time.Second {
		t.Errorf("backoff(64) = %v", got)
	}
}

func TestSession_OfferCarriesH264(t *testing.T) {
	s, err := NewSession(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Forward(make(chan *rtp.Packet)); err == nil {
		t.Error("Forward without a track succeeded")
	}
	if err := s.AddH264Track(); err != nil {
		t.Fatalf("AddH264Track: %v", err)
	}
	offer, err := s.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer, "m=video") || !strings.Contains(offer, "H264") {
		t.Errorf("offer lacks H264 video:\n%s", offer)
	}

	packets := make(chan *rtp.Packet, 1)
	packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	close(packets)
	if err := s.Forward(packets); err != nil {
		t.Errorf("Forward: %v", err)
	}
}
