package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CommandRejected("zoom_drive", ptz.CodeExec)
	m.CommandFinished("zoom_drive", ptz.CodeOK, time.Millisecond)
	m.SequenceStarted("finalize")
	m.SequenceFinished("finalize", "ok", time.Second)
	m.LockStatusChanged(ptz.LockLocked)
	m.CallTimedOut(seq.FamilyZoom)
	m.StaleCompletion()
	m.InFlight(3)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CommandRejected("preset_recall", ptz.CodeOutOfRange)
	m.CommandRejected("preset_recall", ptz.CodeOutOfRange)
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("preset_recall", "out_of_range")); got != 2 {
		t.Errorf("rejected = %v", got)
	}

	m.CommandFinished("pan_tilt_home", ptz.CodeExec, 5*time.Millisecond)
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("pan_tilt_home", "exec")); got != 1 {
		t.Errorf("commands = %v", got)
	}

	m.SequenceFinished("initialize", "cancelled", time.Second)
	if got := testutil.ToFloat64(m.SequenceTotal.WithLabelValues("initialize", "cancelled")); got != 1 {
		t.Errorf("sequences = %v", got)
	}

	m.CallTimedOut(seq.FamilyPower)
	if got := testutil.ToFloat64(m.TimeoutsTotal.WithLabelValues("power")); got != 1 {
		t.Errorf("timeouts = %v", got)
	}

	m.StaleCompletion()
	if got := testutil.ToFloat64(m.StaleTotal); got != 1 {
		t.Errorf("stale = %v", got)
	}

	m.InFlight(4)
	if got := testutil.ToFloat64(m.InFlightCalls); got != 4 {
		t.Errorf("in flight = %v", got)
	}
}

func TestLockStatusIsOneHot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.LockStatusChanged(ptz.LockLocked)
	m.LockStatusChanged(ptz.LockUnlockedAfterBooting)

	for _, s := range lockStatuses {
		want := 0.0
		if s == ptz.LockUnlockedAfterBooting {
			want = 1
		}
		if got := testutil.ToFloat64(m.LockStatus.WithLabelValues(s.String())); got != want {
			t.Errorf("%v = %v, want %v", s, got, want)
		}
	}
}
