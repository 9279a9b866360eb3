package protocol

import (
	"encoding/json"
	"fmt"

	"ptzhead/internal/dispatch"
	"ptzhead/internal/ptz"
)

// Message types
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeStatus       = "status"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeCommand      = "command"
	TypeReply        = "reply"
	TypeError        = "error"
)

// Error codes
const (
	ErrCameraDisconnected = "CAMERA_DISCONNECTED"
	ErrRTSP               = "RTSP_ERROR"
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrInvalidCommand     = "INVALID_COMMAND"
	ErrUnavailable        = "UNAVAILABLE"
)

// Message is the base envelope for all WebSocket messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PingPayload for ping messages
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload for pong messages
type PongPayload struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTimestamp int64 `json:"server_timestamp"`
}

// StatusPayload for status messages
type StatusPayload struct {
	CameraConnected   bool                  `json:"camera_connected"`
	RTSPURL           string                `json:"rtsp_url,omitempty"`
	ControlProtocol   string                `json:"control_protocol"`
	VideoProtocol     string                `json:"video_protocol"`
	Power             ptz.PowerStatus       `json:"power"`
	LockControlStatus ptz.LockControlStatus `json:"lock_control_status"`
	Session           string                `json:"session,omitempty"`
}

// SDPPayload for offer/answer messages
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload for ICE candidate messages
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// CommandPayload is one control command. Fields a command does not use
// are ignored.
type CommandPayload struct {
	Command   string `json:"command"`
	Direction string `json:"direction,omitempty"`
	PanSpeed  int    `json:"pan_speed,omitempty"`
	TiltSpeed int    `json:"tilt_speed,omitempty"`
	Speed     int    `json:"speed,omitempty"`
	Pan       int32  `json:"pan,omitempty"`
	Tilt      int32  `json:"tilt,omitempty"`
	Position  int    `json:"position,omitempty"`
	Amount    int    `json:"amount,omitempty"`
	Preset    int    `json:"preset,omitempty"`

	// ID is the bridge correlation id or the remote sequence id. The UI
	// endpoint ignores it.
	ID uint32 `json:"id,omitempty"`
	// Ack asks the bridge endpoint for an ack on admission.
	Ack bool `json:"ack,omitempty"`
}

// ReplyPayload for reply messages
type ReplyPayload = dispatch.Reply

// ErrorPayload for error messages
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given struct
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Decode converts the wire command into a dispatcher payload. Only the
// names are checked here; ranges are the dispatcher's business.
func (c CommandPayload) Decode() (dispatch.Payload, error) {
	switch c.Command {
	case "pan_tilt_drive":
		dir, err := ptz.ParseDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.PanTiltDrive{Direction: dir, PanSpeed: c.PanSpeed, TiltSpeed: c.TiltSpeed}, nil
	case "pan_tilt_stop":
		return dispatch.PanTiltStop{}, nil
	case "pan_tilt_absolute":
		return dispatch.PanTiltAbsolute{Pan: c.Pan, Tilt: c.Tilt, Speed: c.Speed}, nil
	case "pan_tilt_relative":
		dir, err := ptz.ParseDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.PanTiltRelative{Direction: dir, Amount: c.Amount}, nil
	case "pan_tilt_home":
		return dispatch.PanTiltHome{}, nil
	case "pan_tilt_reset":
		return dispatch.PanTiltReset{}, nil
	case "zoom_drive":
		dir, err := ptz.ParseZoomDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.ZoomDrive{Direction: dir, Speed: c.Speed}, nil
	case "zoom_stop":
		return dispatch.ZoomStop{}, nil
	case "zoom_absolute":
		return dispatch.ZoomAbsolute{Position: c.Position}, nil
	case "zoom_relative":
		dir, err := ptz.ParseZoomDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.ZoomRelative{Direction: dir, Amount: c.Amount}, nil
	case "focus_drive":
		dir, err := ptz.ParseFocusDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.FocusDrive{Direction: dir, Speed: c.Speed}, nil
	case "focus_stop":
		return dispatch.FocusStop{}, nil
	case "focus_absolute":
		return dispatch.FocusAbsolute{Position: c.Position}, nil
	case "focus_relative":
		dir, err := ptz.ParseFocusDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		return dispatch.FocusRelative{Direction: dir, Amount: c.Amount}, nil
	case "preset_recall":
		return dispatch.PresetRecall{Preset: c.Preset}, nil
	}
	return nil, fmt.Errorf("unknown command %q", c.Command)
}
