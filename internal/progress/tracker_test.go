package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerResume(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return clock }

	tr.Start(100, 40)
	assert.InDelta(t, 40.0, tr.GetBytesProgressPercent(), 0.001)

	clock = clock.Add(2 * time.Second)
	tr.AddBytes(20)

	st := tr.GetStatus()
	assert.Equal(t, int64(60), st.ProcessedBytes)
	assert.Equal(t, int64(40), st.ResumedFrom)
	assert.InDelta(t, 10.0, st.AverageSpeed, 0.001)
	assert.Equal(t, 4*time.Second, st.ETA)
}

func TestTrackerEmptyObject(t *testing.T) {
	tr := NewTracker()
	tr.Start(0, 0)
	assert.Equal(t, 100.0, tr.GetBytesProgressPercent())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "8.0 MiB", FormatBytes(8*1024*1024))
	assert.Equal(t, "1.0 KiB/s", FormatSpeed(1024))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "unknown", FormatDuration(0))
}

func TestDisplayStop(t *testing.T) {
	tr := NewTracker()
	tr.Start(10, 5)

	var out bytes.Buffer
	d := NewDisplay(tr, "file.bin", time.Hour)
	d.out = &out
	d.Start()
	d.Stop()
	d.Stop()

	assert.True(t, strings.Contains(out.String(), "50.0%"))
	assert.True(t, strings.Contains(out.String(), "file.bin"))
}
