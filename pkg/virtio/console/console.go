// Package console implements a VirtIO console frontend device backed by a
// real console/pty abstraction, standing in for the debug UART
// passthrough a deployed hypervisor exposes to its host-level VM (spec.md
// §4.7 "VIRTIO MMIO" as an external collaborator; this package is the
// [EXPANSION] frontend SPEC_FULL.md adds).
//
// Grounded on original_source/hyp/vm/virtio_mmio's generic MMIO transport
// (pkg/virtio) plus the teacher pack's use of containerd/console for a
// real console abstraction (DOMAIN STACK).
package console

import (
	"io"
	"sync"

	"github.com/containerd/console"

	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/virtio"
)

// DeviceID is the VirtIO device-id for a console device (VIRTIO_ID_CONSOLE).
const DeviceID = 3

// configSize matches struct virtio_console_config {cols u16; rows u16;
// max_nr_ports u32; emerg_wr u32}.
const configSize = 12

// Frontend pairs a virtio.Device with a host console.Console, relaying
// guest writes to the host side and surfacing host input back through
// virtqueue notifications.
type Frontend struct {
	dev  *virtio.Device
	mu   sync.Mutex
	host console.Console

	rxBuf []byte
}

// New returns a console Frontend bound to host, a real console obtained
// via containerd/console.Current() or console.ConsoleFromFile in a real
// deployment, or any console.Console in tests.
func New(host console.Console) *Frontend {
	f := &Frontend{
		dev:  virtio.NewDevice(DeviceID, 2, configSize), // rx, tx virtqueues
		host: host,
	}
	f.dev.SetDeviceFeatures(0)
	return f
}

// Device returns the underlying MMIO device for guest register access.
func (f *Frontend) Device() *virtio.Device { return f.dev }

// TxQueue is the guest-to-host virtqueue index; RxQueue is host-to-guest.
const (
	TxQueue = 1
	RxQueue = 0
)

// HostWrite relays size bytes the guest placed in its tx virtqueue buffer
// to the host console (original_source virtio console's tx path — the
// hypervisor core only owns the MMIO register/queue protocol; moving
// descriptor bytes is the frontend's job, mirrored here directly since
// there is no separate guest memory copy step in this in-process model).
func (f *Frontend) HostWrite(data []byte) (int, error) {
	if f.host == nil {
		return 0, herr.ObjectConfig
	}
	return f.host.Write(data)
}

// PollHostInput reads whatever the host console has buffered and queues
// it for delivery to the guest's rx virtqueue, asserting the device VIRQ
// if any bytes were read (spec.md §4.6-style edge-triggered notification,
// applied here to the console frontend's rx path).
func (f *Frontend) PollHostInput(buf []byte) (int, error) {
	if f.host == nil {
		return 0, herr.ObjectConfig
	}
	n, err := f.host.Read(buf)
	if n > 0 {
		f.mu.Lock()
		f.rxBuf = append(f.rxBuf, buf[:n]...)
		f.mu.Unlock()
		f.dev.AssertVirq()
	}
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// DrainRx returns and clears any guest-bound bytes buffered by
// PollHostInput.
func (f *Frontend) DrainRx() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rxBuf
	f.rxBuf = nil
	return out
}

// SetSize updates the virtual console's columns/rows in the device config
// block, bumping config_generation so the guest observes the resize
// (original_source struct virtio_console_config.{cols,rows}).
func (f *Frontend) SetSize(cols, rows uint16) {
	cfg := make([]byte, configSize)
	cfg[0] = byte(cols)
	cfg[1] = byte(cols >> 8)
	cfg[2] = byte(rows)
	cfg[3] = byte(rows >> 8)
	f.dev.SetConfig(cfg)
}
