package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, envMap(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Backend != BackendSim || cfg.VISCAProtocol != "udp" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CommandTimeout != 5*time.Second || cfg.LockPoll != 100*time.Millisecond {
		t.Errorf("intervals = %v, %v", cfg.CommandTimeout, cfg.LockPoll)
	}
	o := cfg.Optics()
	if !o.DigitalZoom || o.MaxOpticalRatio != 20 {
		t.Errorf("optics = %+v", o)
	}
}

func TestParse_EnvThenFlags(t *testing.T) {
	env := envMap(map[string]string{
		"PTZHEAD_BACKEND":      "visca",
		"PTZHEAD_VISCA_ADDR":   "10.0.0.5:52381",
		"PTZHEAD_OPTICAL_ZOOM": "30",
		"PTZHEAD_ICE_IPS":      " 10.0.0.1, ,10.0.0.2 ",
		"PTZHEAD_LOCK_POLL":    "250ms",
	})
	cfg, err := Parse([]string{"-visca-proto", "tcp", "-lock-poll", "50ms"}, env)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backend != BackendVISCA || cfg.VISCAAddress != "10.0.0.5:52381" || cfg.VISCAProtocol != "tcp" {
		t.Errorf("visca = %+v", cfg)
	}
	if cfg.OpticalZoom != 30 {
		t.Errorf("optical = %d", cfg.OpticalZoom)
	}
	if cfg.LockPoll != 50*time.Millisecond {
		t.Errorf("flag did not override env: %v", cfg.LockPoll)
	}
	if len(cfg.ICEIPs) != 2 || cfg.ICEIPs[0] != "10.0.0.1" || cfg.ICEIPs[1] != "10.0.0.2" {
		t.Errorf("ICEIPs = %q", cfg.ICEIPs)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"unknown backend", []string{"-backend", "pelco"}, nil, "unknown backend"},
		{"visca without address", []string{"-backend", "visca"}, nil, "requires -visca"},
		{"bad protocol", []string{"-backend", "visca", "-visca", "h:1", "-visca-proto", "serial"}, nil, "unsupported VISCA protocol"},
		{"panasonic without address", []string{"-backend", "panasonic"}, nil, "requires -panasonic"},
		{"bad zoom ratio", []string{"-optical-zoom", "12"}, nil, "optical zoom"},
		{"bad env duration", nil, map[string]string{"PTZHEAD_COMMAND_TIMEOUT": "soon"}, "PTZHEAD_COMMAND_TIMEOUT"},
		{"zero timeout", []string{"-command-timeout", "0s"}, nil, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args, envMap(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
