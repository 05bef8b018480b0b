// Package metadata indexes the thread→GPU bindings and device properties
// delivered on the attribute stream.
package metadata

import (
	"strconv"
	"strings"

	"github.com/perfstream/anomalyd/internal/stream"
)

// DeviceBinding locates a GPU thread: the device it runs on and the driver
// context it belongs to. The stream is the optional third coordinate some
// runtimes report.
type DeviceBinding struct {
	Device  uint64 `json:"device"`
	Context uint64 `json:"context"`
	Stream  uint64 `json:"stream"`
}

// Registry is a grow-only table of GPU thread bindings and device
// properties, populated from metadata attribute strings for the lifetime of
// the stream. It is owned by the driver so tests can create fresh instances.
type Registry struct {
	threads map[uint64]DeviceBinding
	devices map[uint64]map[string]string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		threads: make(map[uint64]DeviceBinding),
		devices: make(map[uint64]map[string]string),
	}
}

// Add consumes metadata entries. Recognised keys are "CUDA Context",
// "CUDA Device" and "CUDA Stream" per thread, and "GPU[d] <Property>" per
// device; everything else is ignored.
func (r *Registry) Add(entries []stream.Metadata) {
	for _, md := range entries {
		switch md.Key {
		case "CUDA Context":
			if v, err := strconv.ParseUint(md.Value, 10, 64); err == nil {
				binding := r.threads[md.Thread]
				binding.Context = v
				r.threads[md.Thread] = binding
			}
		case "CUDA Device":
			if v, err := strconv.ParseUint(md.Value, 10, 64); err == nil {
				binding := r.threads[md.Thread]
				binding.Device = v
				r.threads[md.Thread] = binding
			}
		case "CUDA Stream":
			if v, err := strconv.ParseUint(md.Value, 10, 64); err == nil {
				binding := r.threads[md.Thread]
				binding.Stream = v
				r.threads[md.Thread] = binding
			}
		default:
			if device, property, ok := parseGPUProperty(md.Key); ok {
				props := r.devices[device]
				if props == nil {
					props = make(map[string]string)
					r.devices[device] = props
				}
				props[property] = md.Value
			}
		}
	}
}

// IsGPUThread reports whether the thread has a device binding.
func (r *Registry) IsGPUThread(tid uint64) bool {
	_, ok := r.threads[tid]
	return ok
}

// ThreadBinding returns the device binding of a GPU thread.
func (r *Registry) ThreadBinding(tid uint64) (DeviceBinding, bool) {
	b, ok := r.threads[tid]
	return b, ok
}

// DeviceProperties returns the property table of a device.
func (r *Registry) DeviceProperties(device uint64) (map[string]string, bool) {
	props, ok := r.devices[device]
	return props, ok
}

// parseGPUProperty splits keys of the form "GPU[<device>] <Property>".
func parseGPUProperty(key string) (uint64, string, bool) {
	if !strings.HasPrefix(key, "GPU[") {
		return 0, "", false
	}
	rest := key[len("GPU["):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return 0, "", false
	}
	device, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0, "", false
	}
	property := strings.TrimSpace(rest[end+1:])
	if property == "" {
		return 0, "", false
	}
	return device, property, true
}
