package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfstream/anomalyd/internal/stream"
)

func TestRegistryParsesDeviceAndContext(t *testing.T) {
	r := NewRegistry()
	r.Add([]stream.Metadata{
		{Rank: 0, Thread: 9, Key: "CUDA Context", Value: "1"},
		{Rank: 0, Thread: 9, Key: "CUDA Device", Value: "2"},
	})

	require.True(t, r.IsGPUThread(9))
	require.False(t, r.IsGPUThread(3))

	binding, ok := r.ThreadBinding(9)
	require.True(t, ok)
	require.Equal(t, uint64(2), binding.Device)
	require.Equal(t, uint64(1), binding.Context)
}

func TestRegistryParsesGPUProperties(t *testing.T) {
	r := NewRegistry()
	r.Add([]stream.Metadata{
		{Rank: 0, Thread: 1234, Key: "GPU[9] Clock Rate", Value: "98765"},
		{Rank: 0, Thread: 1234, Key: "GPU[9] Name", Value: "NVidia Deathstar"},
	})

	props, ok := r.DeviceProperties(9)
	require.True(t, ok)
	require.Len(t, props, 2)
	require.Equal(t, "98765", props["Clock Rate"])
	require.Equal(t, "NVidia Deathstar", props["Name"])
}

func TestRegistryIgnoresUnrelatedKeys(t *testing.T) {
	r := NewRegistry()
	r.Add([]stream.Metadata{
		{Rank: 0, Thread: 1, Key: "Hostname", Value: "node-12"},
		{Rank: 0, Thread: 1, Key: "GPU[x] Broken", Value: "nope"},
		{Rank: 0, Thread: 2, Key: "CUDA Device", Value: "not-a-number"},
	})
	require.False(t, r.IsGPUThread(1))
	require.False(t, r.IsGPUThread(2))
	_, ok := r.DeviceProperties(0)
	require.False(t, ok)
}
