package request

import (
	"context"
	"testing"

	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerWithCPU(total, available uint64) (*Manager, *device.Registry) {
	reg := device.NewRegistry(staticReader{total: total, available: available})
	return NewManager(reg, DefaultHeadroom()), reg
}

func TestManager_ClassFreeNeverQueues(t *testing.T) {
	m, _ := newManagerWithCPU(100, 0)
	defer m.Close()

	ticket, err := m.Enqueue(context.Background(), Passport{Class: ClassFree, Device: device.Device{Kind: device.CPU}})
	require.NoError(t, err)
	ticket.Release()
}

func TestManager_HeadroomAppliedToModelClass(t *testing.T) {
	// total=1000 keeps the headroom-scaled 110-byte model request well under
	// the device's ceiling, so Enqueue accepts it, while available=100 is
	// below the scaled amount the queue must reserve; the request therefore
	// waits for memory, and the pre-canceled context surfaces that
	// deterministically.
	m, _ := newManagerWithCPU(1000, 100)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 100 * 1.10 headroom = 110, which exceeds the 100 bytes available, so
	// this would block forever waiting for memory; with ctx already
	// canceled, Enqueue must return promptly instead of hanging.
	_, err := m.Enqueue(ctx, Passport{Class: ClassModel, Bytes: 100, Device: device.Device{Kind: device.CPU}})
	assert.Error(t, err)
}

func TestManager_NoSuchDevice(t *testing.T) {
	m, _ := newManagerWithCPU(100, 100)
	defer m.Close()

	_, err := m.Enqueue(context.Background(), Passport{Class: ClassRegular, Bytes: 1, Device: device.Device{Kind: device.Cuda}})
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestManager_PickDevice_AlwaysCPUFamily(t *testing.T) {
	m, _ := newManagerWithCPU(100, 100)
	defer m.Close()

	d, err := m.PickDevice(GpuPolicy{AlwaysDevice: false, Overflow: false}, func(device.Device) uint64 { return 10 })
	require.NoError(t, err)
	assert.Equal(t, device.CPU, d.Kind)
}

func TestManager_PickDevice_AlwaysDeviceNoGPUInstalled(t *testing.T) {
	m, _ := newManagerWithCPU(100, 100)
	defer m.Close()

	_, err := m.PickDevice(GpuPolicy{AlwaysDevice: true, Overflow: false}, func(device.Device) uint64 { return 10 })
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestManager_PickDevice_AlwaysDeviceOverflowsToCPU(t *testing.T) {
	m, _ := newManagerWithCPU(100, 100)
	defer m.Close()

	d, err := m.PickDevice(GpuPolicy{AlwaysDevice: true, Overflow: true}, func(device.Device) uint64 { return 10 })
	require.NoError(t, err)
	assert.Equal(t, device.CPU, d.Kind)
}

func TestManager_RegisterUserOnAll(t *testing.T) {
	m, _ := newManagerWithCPU(100, 100)
	defer m.Close()

	u := &countingUser{}
	m.RegisterUserOnAll(u)

	// RegisterUser blocks on a channel send into the queue's driver
	// goroutine; enqueue something trivial to give the driver a chance to
	// have processed the registration (there's no other observable signal).
	ticket, err := m.Enqueue(context.Background(), Passport{Class: ClassRegular, Bytes: 1, Device: device.Device{Kind: device.CPU}})
	require.NoError(t, err)
	ticket.Release()
}

type countingUser struct{ n int }

func (c *countingUser) Allocs() int                            { return c.n }
func (c *countingUser) RequestMemory(atLeast uint64) uint64 { return 0 }
