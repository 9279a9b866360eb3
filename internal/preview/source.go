// Package preview relays the camera's RTSP video to browser sessions over
// WebRTC.
package preview

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

// Source handles the RTSP connection and fans RTP packets out to
// subscribers.
type Source struct {
	url    string
	hub    *Hub
	stopCh chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	client  *gortsplib.Client
	stopped bool
}

// NewSource validates the URL. Nothing is dialed until Connect.
func NewSource(rtspURL string, logger *slog.Logger) (*Source, error) {
	if _, err := base.ParseURL(rtspURL); err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		url:    rtspURL,
		hub:    NewHub(),
		stopCh: make(chan struct{}),
		logger: logger.With("component", "rtsp"),
	}, nil
}

// Hub returns the fan-out the source publishes to.
func (s *Source) Hub() *Hub {
	return s.hub
}

// Connect establishes the RTSP connection and starts streaming. Lost
// connections are retried in the background.
func (s *Source) Connect() error {
	return s.connect()
}

func (s *Source) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("source closed")
	}

	client := &gortsplib.Client{
		// Use TCP transport (interleaved)
		Transport: func() *gortsplib.Transport {
			t := gortsplib.TransportTCP
			return &t
		}(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		OnDecodeError: func(err error) {
			s.logger.Warn("decode error", "err", err)
		},
	}

	u, err := base.ParseURL(s.url)
	if err != nil {
		return err
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return err
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return err
	}

	media := videoMedia(desc)
	if media == nil {
		client.Close()
		return fmt.Errorf("no video media in %s", s.url)
	}
	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		client.Close()
		return err
	}

	client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, pkt *rtp.Packet) {
		// The payload aliases the read buffer.
		s.hub.Publish(pkt.Clone())
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return err
	}

	s.client = client
	s.logger.Info("connected and playing", "url", s.url)

	go s.monitorConnection(client)
	return nil
}

// videoMedia prefers an H264 or H265 track and falls back to the first
// video media.
func videoMedia(desc *description.Session) *description.Media {
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			switch forma.(type) {
			case *format.H264, *format.H265:
				return media
			}
		}
	}
	for _, media := range desc.Medias {
		if media.Type == description.MediaTypeVideo && len(media.Formats) > 0 {
			return media
		}
	}
	return nil
}

// monitorConnection watches for disconnection and reconnects
func (s *Source) monitorConnection(client *gortsplib.Client) {
	err := client.Wait()

	select {
	case <-s.stopCh:
		return
	default:
	}
	if err != nil {
		s.logger.Warn("connection lost", "err", err)
	}

	// Reconnect with exponential backoff
	for attempt := 1; ; attempt++ {
		delay := backoff(attempt)
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}

		if err := s.connect(); err != nil {
			s.logger.Warn("reconnect failed", "err", err)
			continue
		}
		s.logger.Info("reconnected")
		return
	}
}

func backoff(attempt int) time.Duration {
	if attempt > 6 {
		return 30 * time.Second
	}
	return min(time.Duration(1<<uint(attempt-1))*time.Second, 30*time.Second)
}

// Connected reports whether an RTSP session is up.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !s.stopped
}

// Close closes the RTSP connection and every subscription.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	client := s.client
	s.mu.Unlock()

	close(s.stopCh)
	if client != nil {
		client.Close()
	}
	s.hub.Close()
	return nil
}

// Hub fans packets out to subscribers. A subscriber whose buffer is full
// misses packets instead of stalling the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan *rtp.Packet]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan *rtp.Packet]struct{})}
}

// Subscribe returns a packet channel and a function that ends the
// subscription. The channel is closed when the subscription ends.
func (h *Hub) Subscribe(buffer int) (<-chan *rtp.Packet, func()) {
	ch := make(chan *rtp.Packet, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers pkt to every subscriber that has room.
func (h *Hub) Publish(pkt *rtp.Packet) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- pkt:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
