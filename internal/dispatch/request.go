package dispatch

import (
	"fmt"

	"ptzhead/internal/ptz"
)

// Request is one command from a caller. It is not modified after Dispatch.
type Request struct {
	Payload Payload
	Origin  Origin
}

// Payload is a command. The set of payloads is closed.
type Payload interface {
	Command() string
	payload()
}

// PanTiltDrive starts a continuous move. Speeds are caller steps: pan
// 1-24, tilt 1-20. DirStop stops.
type PanTiltDrive struct {
	Direction ptz.Direction
	PanSpeed  int
	TiltSpeed int
}

type PanTiltStop struct{}

// PanTiltAbsolute moves to a position in device units.
type PanTiltAbsolute struct {
	Pan   int32
	Tilt  int32
	Speed int
}

// PanTiltRelative moves by one of ten amounts in a direction. The size of
// the move depends on the zoom position.
type PanTiltRelative struct {
	Direction ptz.Direction
	Amount    int
}

type PanTiltHome struct{}

type PanTiltReset struct{}

// ZoomDrive starts a continuous zoom at speed 1-8.
type ZoomDrive struct {
	Direction ptz.ZoomDirection
	Speed     int
}

type ZoomStop struct{}

type ZoomAbsolute struct {
	Position int
}

type ZoomRelative struct {
	Direction ptz.ZoomDirection
	Amount    int
}

// FocusDrive starts a continuous focus move at speed 1-8.
type FocusDrive struct {
	Direction ptz.FocusDirection
	Speed     int
}

type FocusStop struct{}

type FocusAbsolute struct {
	Position int
}

type FocusRelative struct {
	Direction ptz.FocusDirection
	Amount    int
}

type PresetRecall struct {
	Preset int
}

func (PanTiltDrive) Command() string    { return "pan_tilt_drive" }
func (PanTiltStop) Command() string     { return "pan_tilt_stop" }
func (PanTiltAbsolute) Command() string { return "pan_tilt_absolute" }
func (PanTiltRelative) Command() string { return "pan_tilt_relative" }
func (PanTiltHome) Command() string     { return "pan_tilt_home" }
func (PanTiltReset) Command() string    { return "pan_tilt_reset" }
func (ZoomDrive) Command() string       { return "zoom_drive" }
func (ZoomStop) Command() string        { return "zoom_stop" }
func (ZoomAbsolute) Command() string    { return "zoom_absolute" }
func (ZoomRelative) Command() string    { return "zoom_relative" }
func (FocusDrive) Command() string      { return "focus_drive" }
func (FocusStop) Command() string       { return "focus_stop" }
func (FocusAbsolute) Command() string   { return "focus_absolute" }
func (FocusRelative) Command() string   { return "focus_relative" }
func (PresetRecall) Command() string    { return "preset_recall" }

func (PanTiltDrive) payload()    {}
func (PanTiltStop) payload()     {}
func (PanTiltAbsolute) payload() {}
func (PanTiltRelative) payload() {}
func (PanTiltHome) payload()     {}
func (PanTiltReset) payload()    {}
func (ZoomDrive) payload()       {}
func (ZoomStop) payload()        {}
func (ZoomAbsolute) payload()    {}
func (ZoomRelative) payload()    {}
func (FocusDrive) payload()      {}
func (FocusStop) payload()       {}
func (FocusAbsolute) payload()   {}
func (FocusRelative) payload()   {}
func (PresetRecall) payload()    {}

// Origin says who sent a request and how it expects to hear back.
type Origin interface {
	origin()
}

// UIOneWay is the local UI path. It gets no replies.
type UIOneWay struct{}

// ProtocolBridge is the wire-protocol bridge. It gets an ack when the
// request is admitted and a completion when the device is done. When the
// protocol has no ack, a rejection is reported as a negative completion.
type ProtocolBridge struct {
	CorrelationID uint32
	AckSupported  bool
	ReplyTo       Sink
}

// RemoteTwoWay is the remote automation path. It gets exactly one
// completion carrying its sequence id.
type RemoteTwoWay struct {
	SeqID   uint32
	ReplyTo Sink
}

func (UIOneWay) origin()       {}
func (ProtocolBridge) origin() {}
func (RemoteTwoWay) origin()   {}

// ReplyKind distinguishes the replies a caller can receive.
type ReplyKind int

const (
	ReplyAck ReplyKind = iota
	ReplyNack
	ReplyCompletion
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ack"
	case ReplyNack:
		return "nack"
	case ReplyCompletion:
		return "completion"
	}
	return fmt.Sprintf("reply(%d)", int(k))
}

func (k ReplyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reply is sent to a caller's Sink.
type Reply struct {
	Kind    ReplyKind `json:"kind"`
	ID      uint32    `json:"id"`
	Command string    `json:"command"`
	Code    ptz.Code  `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Sink receives replies. Deliver is called from the dispatcher goroutine
// and must not block.
type Sink interface {
	Deliver(Reply)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Reply)

func (f SinkFunc) Deliver(r Reply) { f(r) }
