package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderUpdatesCollectors(t *testing.T) {
	var rec Recorder

	rec.IncRequestsNewConfiguration()
	rec.IncRequestsRollback()
	rec.SetSystemVersion(7)
	rec.ObserveDownloadDuration("abc-sys", 2*time.Second)
	rec.ObserveSetupDuration("abc-sys", time.Second)
	rec.ObserveSwitchDuration("abc-sys", 500*time.Millisecond)

	if got := testutil.ToFloat64(RequestsNewConfiguration); got != 1 {
		t.Fatalf("RequestsNewConfiguration = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RequestsRollback); got != 1 {
		t.Fatalf("RequestsRollback = %v, want 1", got)
	}
	if got := testutil.ToFloat64(SystemVersion); got != 7 {
		t.Fatalf("SystemVersion = %v, want 7", got)
	}
	if got := testutil.CollectAndCount(DownloadDuration); got != 1 {
		t.Fatalf("DownloadDuration series count = %d, want 1", got)
	}
}
