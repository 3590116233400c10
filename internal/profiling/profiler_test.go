package profiling

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopWritesProfiles(t *testing.T) {
	p, err := New(DefaultConfig(t.TempDir()))
	require.NoError(t, err)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrRunning)

	files, err := p.Stop()
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		st, err := os.Stat(f)
		require.NoError(t, err)
		assert.Positive(t, st.Size())
	}

	files, err = p.Stop()
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
}

func TestReadMemoryStats(t *testing.T) {
	s := ReadMemoryStats()
	assert.Positive(t, s.HeapAlloc)
	assert.Positive(t, s.NumGoroutine)
}
