package panasonic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ptzhead/internal/limits"
	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
)

const minInterval = 50 * time.Millisecond // ~20 commands/sec max

// Panasonic position ranges.
const (
	lensMin   = 0x555
	lensMax   = 0xFFF
	posCenter = 0x8000
	posMin    = 0x2D09
	posMax    = 0xD2F5
	posScale  = 8 // Panasonic units per device unit
)

// throttle coalesces rapid drive updates, sending immediately when possible
// and scheduling a trailing edge send for updates during cooldown. Every id
// submitted before a send completes with that send's result.
type throttle struct {
	mu           sync.Mutex
	lastSendTime time.Time
	timerRunning bool
	stopCh       <-chan struct{}
	send         func(cmd string, ids []seq.ID)

	cmd     string
	waiting []seq.ID
}

func (t *throttle) submit(id seq.ID, cmd string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cmd = cmd
	t.waiting = append(t.waiting, id)

	now := time.Now()
	if now.Sub(t.lastSendTime) >= minInterval {
		t.flush(now)
	} else if !t.timerRunning {
		t.timerRunning = true
		remaining := minInterval - now.Sub(t.lastSendTime)
		go func() {
			select {
			case <-time.After(remaining):
				t.mu.Lock()
				t.flush(time.Now())
				t.timerRunning = false
				t.mu.Unlock()
			case <-t.stopCh:
			}
		}()
	}
}

// flush must be called with t.mu held.
func (t *throttle) flush(now time.Time) {
	if len(t.waiting) == 0 {
		return
	}
	cmd, ids := t.cmd, t.waiting
	t.waiting = nil
	t.lastSendTime = now
	go t.send(cmd, ids)
}

// Controller manages HTTP CGI communication with a Panasonic PTZ camera. It
// implements ptz.Actuator; every request runs in its own goroutine and
// reports on Completions.
type Controller struct {
	baseURL string
	client  *http.Client
	mu      sync.Mutex
	stopCh  chan struct{}
	logger  *slog.Logger

	completions chan ptz.Completion
	closeOnce   sync.Once

	panTilt, zoom, focus throttle
}

// Config for Panasonic controller
type Config struct {
	Address string // Camera IP address or hostname (e.g., "192.168.1.100")
	Logger  *slog.Logger
}

// NewController creates a new Panasonic controller
func NewController(cfg Config) (*Controller, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("camera address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		baseURL: fmt.Sprintf("http://%s/cgi-bin/aw_ptz", cfg.Address),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		stopCh:      make(chan struct{}),
		logger:      logger.With("component", "panasonic"),
		completions: make(chan ptz.Completion, 32),
	}
	for _, t := range []*throttle{&c.panTilt, &c.zoom, &c.focus} {
		t.stopCh = c.stopCh
		t.send = c.sendCoalesced
	}
	return c, nil
}

// Completions delivers device completions in arrival order.
func (c *Controller) Completions() <-chan ptz.Completion {
	return c.completions
}

// Close closes the controller
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

// PanTiltDrive sends #PTS<pan><tilt>, values 01-99 with 50 = stop.
func (c *Controller) PanTiltDrive(id seq.ID, dir ptz.Direction, panSpeed, tiltSpeed int) error {
	pan, tilt := dir.Signs()
	c.panTilt.submit(id, fmt.Sprintf("#PTS%02d%02d",
		speedToValue(pan, panSpeed, limits.DevicePanSpeed),
		speedToValue(tilt, tiltSpeed, limits.DeviceTiltSpeed)))
	return nil
}

// PanTiltStop stops pan/tilt movement
func (c *Controller) PanTiltStop(id seq.ID) error {
	c.panTilt.submit(id, "#PTS5050")
	return nil
}

// PanTiltAbsolute sends #APS<pan><tilt><speed>1.
func (c *Controller) PanTiltAbsolute(id seq.ID, pan, tilt int32, speed int) error {
	c.async(id, fmt.Sprintf("#APS%04X%04X%02X1",
		toPosition(pan), toPosition(tilt), clampInt(speed*0x1D/limits.DevicePanSpeed, 0, 0x1D)), nil)
	return nil
}

// PanTiltRelative has no CGI equivalent.
func (c *Controller) PanTiltRelative(id seq.ID, pan, tilt int32, speed int) error {
	return unsupported("pan-tilt relative")
}

// PanTiltHome recalls the center position.
func (c *Controller) PanTiltHome(id seq.ID) error {
	c.async(id, fmt.Sprintf("#APC%04X%04X", posCenter, posCenter), nil)
	return nil
}

// PanTiltReset has no CGI equivalent.
func (c *Controller) PanTiltReset(id seq.ID) error {
	return unsupported("pan-tilt reset")
}

// PanTiltFinalize has no CGI equivalent.
func (c *Controller) PanTiltFinalize(id seq.ID) error {
	return unsupported("pan-tilt finalize")
}

// PanTiltPower switches the camera with #O1 / #O0.
func (c *Controller) PanTiltPower(id seq.ID, on bool) error {
	cmd := "#O0"
	if on {
		cmd = "#O1"
	}
	c.async(id, cmd, nil)
	return nil
}

// ZoomDrive sends #Z<speed>, 01-49 wide and 51-99 tele.
func (c *Controller) ZoomDrive(id seq.ID, dir ptz.ZoomDirection, speed int) error {
	sign := 0
	switch dir {
	case ptz.ZoomTele:
		sign = 1
	case ptz.ZoomWide:
		sign = -1
	}
	c.zoom.submit(id, fmt.Sprintf("#Z%02d", speedToValue(sign, speed, limits.DeviceLensSpeed)))
	return nil
}

// ZoomStop sends #Z50.
func (c *Controller) ZoomStop(id seq.ID) error {
	c.zoom.submit(id, "#Z50")
	return nil
}

// ZoomAbsolute sends #AXZ<555-FFF>.
func (c *Controller) ZoomAbsolute(id seq.ID, pos int) error {
	c.async(id, fmt.Sprintf("#AXZ%03X", toLens(pos, limits.ZoomFullMax)), nil)
	return nil
}

// ZoomPosition queries #GZ; the camera answers gz<555-FFF>.
func (c *Controller) ZoomPosition(id seq.ID) error {
	c.async(id, "#GZ", func(body string) (int, error) {
		return parseLens(body, "gz", limits.ZoomFullMax)
	})
	return nil
}

// FocusDrive sends #F<speed>, 01-49 near and 51-99 far.
func (c *Controller) FocusDrive(id seq.ID, dir ptz.FocusDirection, speed int) error {
	sign := 0
	switch dir {
	case ptz.FocusFar:
		sign = 1
	case ptz.FocusNear:
		sign = -1
	}
	c.focus.submit(id, fmt.Sprintf("#F%02d", speedToValue(sign, speed, limits.DeviceLensSpeed)))
	return nil
}

// FocusStop sends #F50.
func (c *Controller) FocusStop(id seq.ID) error {
	c.focus.submit(id, "#F50")
	return nil
}

// FocusAbsolute sends #AXF<555-FFF>.
func (c *Controller) FocusAbsolute(id seq.ID, pos int) error {
	c.async(id, fmt.Sprintf("#AXF%03X", toLens(pos, limits.FocusMax)), nil)
	return nil
}

// FocusPosition queries #GF; the camera answers gf<555-FFF>.
func (c *Controller) FocusPosition(id seq.ID) error {
	c.async(id, "#GF", func(body string) (int, error) {
		return parseLens(body, "gf", limits.FocusMax)
	})
	return nil
}

// RecallPreset recalls a preset position (0-99 for Panasonic)
func (c *Controller) RecallPreset(id seq.ID, preset int) error {
	if preset < 0 || preset > 99 {
		return fmt.Errorf("%w: preset must be 0-99 for Panasonic cameras", ptz.ErrOutOfRange)
	}
	c.async(id, fmt.Sprintf("#R%02d", preset), nil)
	return nil
}

// async sends cmd in the background. parse, when set, extracts the
// completion value from the response body.
func (c *Controller) async(id seq.ID, cmd string, parse func(string) (int, error)) {
	go func() {
		body, err := c.sendCommand(cmd)
		comp := ptz.Completion{ID: id, Err: err}
		if err == nil && parse != nil {
			comp.Value, comp.Err = parse(body)
		}
		c.deliver(comp)
	}()
}

func (c *Controller) sendCoalesced(cmd string, ids []seq.ID) {
	_, err := c.sendCommand(cmd)
	for _, id := range ids {
		c.deliver(ptz.Completion{ID: id, Err: err})
	}
}

func (c *Controller) deliver(comp ptz.Completion) {
	select {
	case c.completions <- comp:
	case <-c.stopCh:
	}
}

// sendCommand sends a command to the camera via HTTP CGI and returns the
// response body.
func (c *Controller) sendCommand(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	q := url.Values{"cmd": {cmd}, "res": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ptz.ErrExec, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to send command: %v", ptz.ErrExec, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ptz.ErrExec, err)
	}
	body := strings.TrimSpace(string(data))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: HTTP %d", ptz.ErrExec, cmd, resp.StatusCode)
	}
	// eR1 unsupported, eR2 busy, eR3 out of range
	if strings.HasPrefix(body, "eR") {
		if body == "eR3" {
			return "", fmt.Errorf("%w: %s rejected (%s)", ptz.ErrOutOfRange, cmd, body)
		}
		return "", fmt.Errorf("%w: %s rejected (%s)", ptz.ErrExec, cmd, body)
	}
	c.logger.Debug("command sent", "cmd", cmd, "response", body)
	return body, nil
}

func unsupported(what string) error {
	return fmt.Errorf("%w: %s not supported by this camera", ptz.ErrExec, what)
}

// speedToValue converts a signed speed in [1, deviceMax] to Panasonic's
// 01-99 range (50 = stop). Negative values use 01-49, positive 51-99.
func speedToValue(sign, speed, deviceMax int) int {
	if sign == 0 || speed <= 0 {
		return 50 // Stop
	}
	step := clampInt(speed, 1, deviceMax) * 49 / deviceMax
	if step < 1 {
		step = 1
	}
	return 50 + sign*step
}

func toPosition(v int32) int {
	return clampInt(posCenter+int(v)*posScale, posMin, posMax)
}

func toLens(pos, max int) int {
	pos = clampInt(pos, 0, max)
	return lensMin + pos*(lensMax-lensMin)/max
}

func parseLens(body, prefix string, max int) (int, error) {
	if !strings.HasPrefix(body, prefix) {
		return 0, fmt.Errorf("%w: unexpected response %q", ptz.ErrExec, body)
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(body, prefix), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad position %q: %v", ptz.ErrExec, body, err)
	}
	raw := clampInt(int(v), lensMin, lensMax)
	return (raw - lensMin) * max / (lensMax - lensMin), nil
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
