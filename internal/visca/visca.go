package visca

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
)

// VISCA over IP message types.
const (
	typeCommand = 0x0100
	typeInquiry = 0x0110
	typeReply   = 0x0111
)

// Vendor pan-tilt power commands. The head parks the mechanism before its
// drive power can be removed.
var (
	cmdPanTiltFinalize = []byte{0x01, 0x7E, 0x04, 0x60, 0x00}
	cmdPanTiltPowerOn  = []byte{0x01, 0x7E, 0x04, 0x61, 0x02}
	cmdPanTiltPowerOff = []byte{0x01, 0x7E, 0x04, 0x61, 0x03}
)

// Error reply codes.
const (
	errSyntax        = 0x02
	errBufferFull    = 0x03
	errCancelled     = 0x04
	errNoSocket      = 0x05
	errNotExecutable = 0x41
)

// Controller manages VISCA communication with a PTZ camera. It implements
// ptz.Actuator: commands are written immediately and their completions are
// read back by a reader goroutine.
type Controller struct {
	conn     net.Conn
	mu       sync.Mutex
	addr     int // Camera address (1-7), default 1
	protocol string

	// Over UDP the VISCA over IP sequence number carries the id. Raw TCP
	// has no header, so calls are matched in send order.
	byID  map[uint32]*call
	queue []*call

	writeTimeout time.Duration
	completions  chan ptz.Completion
	done         chan struct{}
	closeOnce    sync.Once
	logger       *slog.Logger
}

type call struct {
	id      seq.ID
	inquiry bool
	socket  byte // set by the ACK, zero until then
}

// Config for VISCA controller
type Config struct {
	// For UDP: address like "192.168.1.100:52381"
	// For TCP: address like "192.168.1.100:5678"
	Address  string
	Protocol string // "udp" or "tcp"
	Logger   *slog.Logger
}

// NewController dials the camera and starts reading its replies.
func NewController(cfg Config) (*Controller, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "udp" // Default to UDP for VISCA over IP
	}

	switch protocol {
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}

	conn, err := net.DialTimeout(protocol, cfg.Address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to VISCA over %s: %w", protocol, err)
	}
	return newController(conn, protocol, cfg.Logger), nil
}

func newController(conn net.Conn, protocol string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		conn:         conn,
		addr:         1,
		protocol:     protocol,
		byID:         make(map[uint32]*call),
		writeTimeout: 50 * time.Millisecond,
		completions:  make(chan ptz.Completion, 32),
		done:         make(chan struct{}),
		logger:       logger.With("component", "visca", "protocol", protocol),
	}
	go c.readLoop()
	return c
}

// Completions delivers device completions in arrival order.
func (c *Controller) Completions() <-chan ptz.Completion {
	return c.completions
}

// Close closes the VISCA connection
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// buildVISCAPayload constructs a raw VISCA command (address + payload + terminator)
func (c *Controller) buildVISCAPayload(payload []byte) []byte {
	// Address byte: 0x80 | address (1-7)
	cmd := make([]byte, 0, len(payload)+2)
	cmd = append(cmd, byte(0x80|c.addr))
	cmd = append(cmd, payload...)
	cmd = append(cmd, 0xFF) // Terminator
	return cmd
}

// buildVISCAOverIP wraps a VISCA payload in VISCA-over-IP framing
func buildVISCAOverIP(msgType uint16, seqNum uint32, viscaPayload []byte) []byte {
	// Bytes 0-1: Message type
	// Bytes 2-3: Payload length (big endian)
	// Bytes 4-7: Sequence number (big endian)
	header := make([]byte, 8, 8+len(viscaPayload))
	binary.BigEndian.PutUint16(header[0:2], msgType)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(viscaPayload)))
	binary.BigEndian.PutUint32(header[4:8], seqNum)
	return append(header, viscaPayload...)
}

// sendCommand writes one command or inquiry tagged with id.
func (c *Controller) sendCommand(id seq.ID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	viscaPayload := c.buildVISCAPayload(payload)
	inquiry := payload[0] == 0x09

	var packet []byte
	if c.protocol == "udp" {
		msgType := uint16(typeCommand)
		if inquiry {
			msgType = typeInquiry
		}
		packet = buildVISCAOverIP(msgType, uint32(id), viscaPayload)
	} else {
		// Raw VISCA for TCP (some devices)
		packet = viscaPayload
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(packet); err != nil {
		return fmt.Errorf("%w: visca write: %v", ptz.ErrExec, err)
	}

	cl := &call{id: id, inquiry: inquiry}
	if c.protocol == "udp" {
		c.byID[uint32(id)] = cl
	} else {
		c.queue = append(c.queue, cl)
	}
	return nil
}

func (c *Controller) readLoop() {
	if c.protocol == "udp" {
		c.readDatagrams()
	} else {
		c.readStream()
	}
}

func (c *Controller) readDatagrams() {
	buf := make([]byte, 1500)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.readFailed(err)
			return
		}
		if n < 8 {
			continue
		}
		msgType := binary.BigEndian.Uint16(buf[0:2])
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		seqNum := binary.BigEndian.Uint32(buf[4:8])
		if msgType != typeReply || 8+length > n {
			continue
		}
		reply := append([]byte(nil), buf[8:8+length]...)

		c.mu.Lock()
		cl := c.byID[seqNum]
		comp, finished := interpret(cl, reply)
		if finished {
			delete(c.byID, seqNum)
		}
		c.mu.Unlock()
		if finished {
			c.deliver(comp)
		}
	}
}

func (c *Controller) readStream() {
	buf := make([]byte, 512)
	var pending []byte
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.readFailed(err)
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			end := indexTerminator(pending)
			if end < 0 {
				break
			}
			reply := append([]byte(nil), pending[:end+1]...)
			pending = pending[end+1:]
			c.handleStreamReply(reply)
		}
	}
}

func (c *Controller) handleStreamReply(reply []byte) {
	c.mu.Lock()
	i := c.match(reply)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Debug("unmatched reply", "reply", fmt.Sprintf("% X", reply))
		return
	}
	comp, finished := interpret(c.queue[i], reply)
	if finished {
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
	}
	c.mu.Unlock()
	if finished {
		c.deliver(comp)
	}
}

// match picks the queued call a raw reply belongs to. ACKs and socketless
// errors go to the oldest unacknowledged call, completions to the call
// holding their socket, inquiry answers to the oldest inquiry.
func (c *Controller) match(reply []byte) int {
	if len(reply) < 3 {
		return -1
	}
	kind, socket := reply[1]&0xF0, reply[1]&0x0F
	switch {
	case kind == 0x50 && len(reply) > 3:
		for i, cl := range c.queue {
			if cl.inquiry {
				return i
			}
		}
	case (kind == 0x50 || kind == 0x60) && socket != 0:
		for i, cl := range c.queue {
			if !cl.inquiry && cl.socket == socket {
				return i
			}
		}
	case kind == 0x40 || kind == 0x60:
		for i, cl := range c.queue {
			if cl.socket == 0 && (kind == 0x60 || !cl.inquiry) {
				return i
			}
		}
	}
	return -1
}

// interpret applies one reply to cl and reports whether cl is finished.
func interpret(cl *call, reply []byte) (ptz.Completion, bool) {
	if cl == nil || len(reply) < 3 {
		return ptz.Completion{}, false
	}
	kind, socket := reply[1]&0xF0, reply[1]&0x0F
	switch kind {
	case 0x40:
		cl.socket = socket
		return ptz.Completion{}, false
	case 0x50:
		comp := ptz.Completion{ID: cl.id}
		if cl.inquiry && len(reply) >= 7 {
			comp.Value = int(nibbles(reply[2:6]))
		}
		return comp, true
	case 0x60:
		code := byte(0)
		if len(reply) > 3 {
			code = reply[2]
		}
		return ptz.Completion{ID: cl.id, Err: replyError(code)}, true
	}
	return ptz.Completion{}, false
}

func replyError(code byte) error {
	switch code {
	case errSyntax:
		return fmt.Errorf("%w: visca syntax error", ptz.ErrExec)
	case errBufferFull:
		return fmt.Errorf("%w: visca command buffer full", ptz.ErrExec)
	case errCancelled:
		return fmt.Errorf("%w: visca command cancelled", ptz.ErrExec)
	case errNoSocket:
		return fmt.Errorf("%w: visca no socket", ptz.ErrExec)
	case errNotExecutable:
		return fmt.Errorf("%w: visca command not executable", ptz.ErrExec)
	}
	return fmt.Errorf("%w: visca error %02X", ptz.ErrExec, code)
}

func (c *Controller) deliver(comp ptz.Completion) {
	select {
	case c.completions <- comp:
	case <-c.done:
	}
}

func (c *Controller) readFailed(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		c.logger.Warn("camera closed the connection")
	} else {
		c.logger.Error("read failed", "err", err)
	}
}

func indexTerminator(b []byte) int {
	for i, v := range b {
		if v == 0xFF {
			return i
		}
	}
	return -1
}

// nibbles decodes 0p 0q 0r 0s into pqrs.
func nibbles(b []byte) uint16 {
	var v uint16
	for _, n := range b {
		v = v<<4 | uint16(n&0x0F)
	}
	return v
}

// putNibbles encodes v as four 0p bytes.
func putNibbles(v uint16) []byte {
	return []byte{byte(v >> 12 & 0x0F), byte(v >> 8 & 0x0F), byte(v >> 4 & 0x0F), byte(v & 0x0F)}
}

// driveBytes maps a direction onto the pan and tilt direction bytes.
// 01=left/up, 02=right/down, 03=stop
func driveBytes(dir ptz.Direction) (panDir, tiltDir byte) {
	pan, tilt := dir.Signs()
	panDir, tiltDir = 0x03, 0x03
	if pan < 0 {
		panDir = 0x01
	} else if pan > 0 {
		panDir = 0x02
	}
	if tilt > 0 {
		tiltDir = 0x01
	} else if tilt < 0 {
		tiltDir = 0x02
	}
	return panDir, tiltDir
}

// PanTiltDrive sends 01 06 01 VV WW XX YY. VV = pan speed (01-18), WW =
// tilt speed (01-14).
func (c *Controller) PanTiltDrive(id seq.ID, dir ptz.Direction, panSpeed, tiltSpeed int) error {
	panDir, tiltDir := driveBytes(dir)
	payload := []byte{0x01, 0x06, 0x01, byte(clampInt(panSpeed, 1, 0x18)), byte(clampInt(tiltSpeed, 1, 0x14)), panDir, tiltDir}
	return c.sendCommand(id, payload)
}

// PanTiltStop stops pan/tilt movement
func (c *Controller) PanTiltStop(id seq.ID) error {
	return c.sendCommand(id, []byte{0x01, 0x06, 0x01, 0x01, 0x01, 0x03, 0x03})
}

// PanTiltAbsolute sends 01 06 02 VV 00 0Y0Y0Y0Y 0Z0Z0Z0Z.
func (c *Controller) PanTiltAbsolute(id seq.ID, pan, tilt int32, speed int) error {
	return c.sendCommand(id, positionPayload(0x02, pan, tilt, speed))
}

// PanTiltRelative sends 01 06 03 VV 00 0Y0Y0Y0Y 0Z0Z0Z0Z.
func (c *Controller) PanTiltRelative(id seq.ID, pan, tilt int32, speed int) error {
	return c.sendCommand(id, positionPayload(0x03, pan, tilt, speed))
}

func positionPayload(mode byte, pan, tilt int32, speed int) []byte {
	payload := []byte{0x01, 0x06, mode, byte(clampInt(speed, 1, 0x18)), 0x00}
	payload = append(payload, putNibbles(uint16(int16(pan)))...)
	return append(payload, putNibbles(uint16(int16(tilt)))...)
}

// PanTiltHome sends 01 06 04.
func (c *Controller) PanTiltHome(id seq.ID) error {
	return c.sendCommand(id, []byte{0x01, 0x06, 0x04})
}

// PanTiltReset sends 01 06 05.
func (c *Controller) PanTiltReset(id seq.ID) error {
	return c.sendCommand(id, []byte{0x01, 0x06, 0x05})
}

// PanTiltFinalize parks the mechanism.
func (c *Controller) PanTiltFinalize(id seq.ID) error {
	return c.sendCommand(id, cmdPanTiltFinalize)
}

// PanTiltPower switches the pan-tilt drive power.
func (c *Controller) PanTiltPower(id seq.ID, on bool) error {
	if on {
		return c.sendCommand(id, cmdPanTiltPowerOn)
	}
	return c.sendCommand(id, cmdPanTiltPowerOff)
}

// ZoomDrive sends 01 04 07 2p (tele) or 3p (wide), p = speed 0-7.
func (c *Controller) ZoomDrive(id seq.ID, dir ptz.ZoomDirection, speed int) error {
	p := byte(clampInt(speed, 0, 7))
	var cmd byte
	switch dir {
	case ptz.ZoomTele:
		cmd = 0x20 | p
	case ptz.ZoomWide:
		cmd = 0x30 | p
	}
	return c.sendCommand(id, []byte{0x01, 0x04, 0x07, cmd})
}

// ZoomStop sends 01 04 07 00.
func (c *Controller) ZoomStop(id seq.ID) error {
	return c.sendCommand(id, []byte{0x01, 0x04, 0x07, 0x00})
}

// ZoomAbsolute sends 01 04 47 0p 0q 0r 0s.
func (c *Controller) ZoomAbsolute(id seq.ID, pos int) error {
	return c.sendCommand(id, append([]byte{0x01, 0x04, 0x47}, putNibbles(uint16(pos))...))
}

// ZoomPosition sends the 09 04 47 inquiry.
func (c *Controller) ZoomPosition(id seq.ID) error {
	return c.sendCommand(id, []byte{0x09, 0x04, 0x47})
}

// FocusDrive sends 01 04 08 2p (far) or 3p (near).
func (c *Controller) FocusDrive(id seq.ID, dir ptz.FocusDirection, speed int) error {
	p := byte(clampInt(speed, 0, 7))
	var cmd byte
	switch dir {
	case ptz.FocusFar:
		cmd = 0x20 | p
	case ptz.FocusNear:
		cmd = 0x30 | p
	}
	return c.sendCommand(id, []byte{0x01, 0x04, 0x08, cmd})
}

// FocusStop sends 01 04 08 00.
func (c *Controller) FocusStop(id seq.ID) error {
	return c.sendCommand(id, []byte{0x01, 0x04, 0x08, 0x00})
}

// FocusAbsolute sends 01 04 48 0p 0q 0r 0s.
func (c *Controller) FocusAbsolute(id seq.ID, pos int) error {
	return c.sendCommand(id, append([]byte{0x01, 0x04, 0x48}, putNibbles(uint16(pos))...))
}

// FocusPosition sends the 09 04 48 inquiry.
func (c *Controller) FocusPosition(id seq.ID) error {
	return c.sendCommand(id, []byte{0x09, 0x04, 0x48})
}

// RecallPreset recalls a preset position
func (c *Controller) RecallPreset(id seq.ID, preset int) error {
	if preset < 0 || preset > 255 {
		return fmt.Errorf("%w: preset must be 0-255", ptz.ErrOutOfRange)
	}
	// VISCA Memory Recall: 01 04 3F 02 pp
	return c.sendCommand(id, []byte{0x01, 0x04, 0x3F, 0x02, byte(preset)})
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
