package request

import (
	"context"
	"sync"

	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/rs/zerolog"
)

// GpuPolicy selects how the Manager resolves Device::Any requests.
type GpuPolicy struct {
	AlwaysDevice bool // false = AlwaysCpu family
	Overflow     bool
}

// Manager owns one Queue per device and implements the policy-driven
// picker and enqueue routing.
type Manager struct {
	reg      *device.Registry
	headroom Headroom
	logger   zerolog.Logger

	mu     sync.RWMutex
	queues map[device.Device]*Queue
	order  []device.Device // enumeration order, preserved for "first device that fits" policies
}

// NewManager builds a queue for every device currently enumerated by reg.
func NewManager(reg *device.Registry, headroom Headroom) *Manager {
	m := &Manager{
		reg:      reg,
		headroom: headroom,
		logger:   log.WithComponent("request.manager"),
		queues:   make(map[device.Device]*Queue),
	}
	for _, info := range reg.AllDevices() {
		m.queues[info.Device] = NewQueue(info.Device, reg, info.TotalMemory, headroom)
		m.order = append(m.order, info.Device)
	}
	return m
}

// Close tears down every device queue.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.Close()
	}
}

// RegisterUsers distributes ResourceUser handles to their declared devices.
func (m *Manager) RegisterUsers(byDevice map[device.Device]ResourceUser) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for d, u := range byDevice {
		if q, ok := m.queues[d]; ok {
			q.RegisterUser(u)
		}
	}
}

// RegisterUserOnAll registers a single ResourceUser against every device
// queue, for caches (like the model cache) that can evict entries
// regardless of which device they were loaded onto.
func (m *Manager) RegisterUserOnAll(u ResourceUser) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.RegisterUser(u)
	}
}

// NotifyFree dispatches a free signal into the named device's queue, used
// when memory is known to have been freed outside of a ticket release (e.g.
// after an out-of-band eviction).
func (m *Manager) NotifyFree(d device.Device) {
	m.mu.RLock()
	q, ok := m.queues[d]
	m.mu.RUnlock()
	if ok {
		q.notifyFree()
	}
}

// requiredBytes applies the class headroom multiplier to a raw estimate.
func (m *Manager) requiredBytes(p Passport) uint64 {
	switch p.Class {
	case ClassModel:
		return uint64(float64(p.Bytes) * m.headroom.Model)
	case ClassRegular:
		return uint64(float64(p.Bytes) * m.headroom.Regular)
	default:
		return 0
	}
}

// Enqueue admits a passport, yielding a Ticket once memory is reserved.
func (m *Manager) Enqueue(ctx context.Context, p Passport) (*Ticket, error) {
	if p.Class == ClassFree {
		return &Ticket{content: &ticketContent{isFree: true}, device: p.Device, logger: m.logger}, nil
	}

	required := m.requiredBytes(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if p.Device.Kind == device.Any {
		for _, d := range m.order {
			if m.queues[d].maxMemory > required {
				return m.queues[d].Enqueue(ctx, required)
			}
		}
		return nil, ErrUnfulfillable
	}

	q, ok := m.queues[p.Device]
	if !ok {
		return nil, ErrNoSuchDevice
	}
	if q.maxMemory < required {
		return nil, ErrUnfulfillable
	}
	return q.Enqueue(ctx, required)
}

// Estimator computes the local memory footprint of a request on a
// candidate device.
type Estimator func(d device.Device) uint64

// PickDevice chooses a device per the configured GpuPolicy.
func (m *Manager) PickDevice(policy GpuPolicy, estimate Estimator) (device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cpu := device.Device{Kind: device.CPU}
	cpuQ, hasCPU := m.queues[cpu]

	fitsCPU := hasCPU && int64(m.reg.Available(cpu)) >= int64(estimate(cpu))
	_ = cpuQ

	firstFittingGPU := func() (device.Device, bool) {
		for _, d := range m.order {
			if d.Kind == device.CPU {
				continue
			}
			if int64(m.reg.Available(d)) >= int64(estimate(d)) {
				return d, true
			}
		}
		return device.Device{}, false
	}

	if !policy.AlwaysDevice {
		if !policy.Overflow {
			return cpu, nil
		}
		if fitsCPU {
			return cpu, nil
		}
		if gpu, ok := firstFittingGPU(); ok {
			return gpu, nil
		}
		return device.Device{}, ErrUnfulfillable
	}

	// AlwaysDevice family.
	hasGPU := false
	for _, d := range m.order {
		if d.Kind != device.CPU {
			hasGPU = true
			break
		}
	}
	if !hasGPU {
		if !policy.Overflow {
			return device.Device{}, ErrNoSuchDevice
		}
		if fitsCPU {
			return cpu, nil
		}
		return device.Device{}, ErrUnfulfillable
	}

	if gpu, ok := firstFittingGPU(); ok {
		return gpu, nil
	}
	if policy.Overflow && fitsCPU {
		return cpu, nil
	}
	return device.Device{}, ErrUnfulfillable
}
