package limits

import (
	"testing"

	"ptzhead/internal/ptz"
)

func TestBandsCoverZoomRange(t *testing.T) {
	for name, bands := range map[string][]PanTiltBand{"20x": bands20x, "30x": bands30x} {
		if bands[0].ZoomLower != ZoomMin {
			t.Errorf("%s: first band starts at %#x", name, bands[0].ZoomLower)
		}
		if last := bands[len(bands)-1]; last.ZoomUpper != ZoomFullMax {
			t.Errorf("%s: last band ends at %#x", name, last.ZoomUpper)
		}
		for i := 1; i < len(bands); i++ {
			if bands[i].ZoomLower != bands[i-1].ZoomUpper {
				t.Errorf("%s: gap between band %d and %d", name, i-1, i)
			}
			if bands[i].PanBase > bands[i-1].PanBase || bands[i].TiltBase > bands[i-1].TiltBase {
				t.Errorf("%s: band %d is wider than band %d", name, i, i-1)
			}
		}
	}
}

func TestSelect(t *testing.T) {
	wide := Select(Optics{MaxOpticalRatio: 30, DigitalZoom: true})
	if &wide.Bands[0] != &bands30x[0] {
		t.Error("30x optics did not select the 30x table")
	}
	if wide.ZoomMax[ptz.ZoomModeFull] != ZoomFullMax {
		t.Errorf("full zoom max = %#x", wide.ZoomMax[ptz.ZoomModeFull])
	}

	plain := Select(Optics{MaxOpticalRatio: 20})
	if &plain.Bands[0] != &bands20x[0] {
		t.Error("20x optics did not select the 20x table")
	}
	for mode, max := range plain.ZoomMax {
		if max != ZoomOpticalMax {
			t.Errorf("no digital zoom: %v max = %#x", mode, max)
		}
	}
}

func TestScaleSpeed(t *testing.T) {
	tests := []struct {
		step, steps, max, want int
	}{
		{1, 24, 0x18, 1},
		{24, 24, 0x18, 0x18},
		{30, 24, 0x18, 0x18},
		{0, 24, 0x18, 1},
		{1, 8, 7, 1},
		{8, 8, 7, 7},
		{4, 8, 7, 4},
	}
	for _, tt := range tests {
		if got := ScaleSpeed(tt.step, tt.steps, tt.max); got != tt.want {
			t.Errorf("ScaleSpeed(%d, %d, %d) = %d, want %d", tt.step, tt.steps, tt.max, got, tt.want)
		}
	}
}

func TestRoundRangeClamp(t *testing.T) {
	r := RoundRange{Min: -10, Max: 10}
	if r.Clamp(-11) != -10 || r.Clamp(11) != 10 || r.Clamp(3) != 3 {
		t.Error("Clamp did not round into range")
	}
	if !r.Contains(10) || r.Contains(11) {
		t.Error("Contains wrong at bounds")
	}
}
