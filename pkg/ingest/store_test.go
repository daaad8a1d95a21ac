package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryRetention(t *testing.T) {
	s := NewStore(3, func() time.Time { return time.Unix(100, 0) })
	for i := 0; i < 5; i++ {
		_, err := s.AddTelemetry("mouse-001", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	got := s.Telemetry("mouse-001")
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"n":2}`, string(got[0].Payload))
	assert.JSONEq(t, `{"n":4}`, string(got[2].Payload))
	assert.Equal(t, time.Unix(100, 0).UTC(), got[0].ReceivedAt)
}

func TestTelemetryUnknownDeviceIsEmpty(t *testing.T) {
	s := NewStore(0, nil)
	got := s.Telemetry("ghost")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, s.Uploads("ghost"))
}

func TestTelemetryRejectsEmpty(t *testing.T) {
	_, err := NewStore(0, nil).AddTelemetry("d", nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestTelemetryCopiesPayload(t *testing.T) {
	s := NewStore(0, nil)
	buf := []byte(`{"a":1}`)
	_, err := s.AddTelemetry("d", buf)
	require.NoError(t, err)
	buf[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(s.Telemetry("d")[0].Payload))
}

func TestUploads(t *testing.T) {
	s := NewStore(2, nil)
	first, err := s.AddUpload("kb", []byte("cipher-1"))
	require.NoError(t, err)
	assert.Equal(t, 8, first.Size)
	assert.NotEmpty(t, first.ID)
	_, _ = s.AddUpload("kb", []byte("cipher-2"))
	_, _ = s.AddUpload("kb", []byte("cipher-3"))

	ups := s.Uploads("kb")
	require.Len(t, ups, 2)
	assert.Equal(t, "cipher-2", string(ups[0].Data))

	s.Forget("kb")
	assert.Empty(t, s.Uploads("kb"))
}

func TestConcurrentTelemetry(t *testing.T) {
	s := NewStore(DefaultRetain, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = s.AddTelemetry(fmt.Sprintf("dev-%d", w%2), []byte(`{}`))
			}
		}(w)
	}
	wg.Wait()
	assert.Len(t, s.Telemetry("dev-0"), DefaultRetain)
	assert.Len(t, s.Telemetry("dev-1"), DefaultRetain)
}
