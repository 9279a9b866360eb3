package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"ptzhead/internal/dispatch"
	"ptzhead/internal/ptz"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		in   string
		want dispatch.Payload
	}{
		{`{"command":"pan_tilt_drive","direction":"up_left","pan_speed":3,"tilt_speed":4}`,
			dispatch.PanTiltDrive{Direction: ptz.DirUpLeft, PanSpeed: 3, TiltSpeed: 4}},
		{`{"command":"pan_tilt_absolute","pan":-100,"tilt":50,"speed":9}`,
			dispatch.PanTiltAbsolute{Pan: -100, Tilt: 50, Speed: 9}},
		{`{"command":"pan_tilt_relative","direction":"down","amount":10}`,
			dispatch.PanTiltRelative{Direction: ptz.DirDown, Amount: 10}},
		{`{"command":"zoom_relative","direction":"tele","amount":2}`,
			dispatch.ZoomRelative{Direction: ptz.ZoomTele, Amount: 2}},
		{`{"command":"focus_drive","direction":"near","speed":8}`,
			dispatch.FocusDrive{Direction: ptz.FocusNear, Speed: 8}},
		{`{"command":"focus_absolute","position":4096}`,
			dispatch.FocusAbsolute{Position: 4096}},
		{`{"command":"preset_recall","preset":12}`,
			dispatch.PresetRecall{Preset: 12}},
		{`{"command":"pan_tilt_home"}`, dispatch.PanTiltHome{}},
		{`{"command":"zoom_stop"}`, dispatch.ZoomStop{}},
	}
	for _, tt := range tests {
		var c CommandPayload
		if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		got, err := c.Decode()
		if err != nil {
			t.Errorf("Decode(%s): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Decode(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
		if got.Command() != c.Command {
			t.Errorf("Command() = %q, want %q", got.Command(), c.Command)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, c := range []CommandPayload{
		{Command: "self_destruct"},
		{Command: "pan_tilt_drive", Direction: "forward"},
		{Command: "zoom_drive", Direction: "up"},
		{Command: "focus_relative"},
	} {
		if _, err := c.Decode(); err == nil {
			t.Errorf("Decode(%+v) succeeded", c)
		}
	}
}

func TestReplyEncoding(t *testing.T) {
	msg, err := NewMessage(TypeReply, ReplyPayload{
		Kind:    dispatch.ReplyCompletion,
		ID:      42,
		Command: "zoom_absolute",
		Code:    ptz.CodeOutOfRange,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(msg)
	for _, want := range []string{`"type":"reply"`, `"kind":"completion"`, `"id":42`, `"code":"out_of_range"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("%s lacks %s", data, want)
		}
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := back.ParsePayload(&fields); err != nil || fields["command"] != "zoom_absolute" {
		t.Errorf("payload = %v, %v", fields, err)
	}
}
