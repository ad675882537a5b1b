// Package virtio implements the VirtIO MMIO device model described in
// spec.md §6 and §4.7's dispatch chain: the register layout, access-width
// rules, and backend/frontend HVC surface of a VirtIO MMIO transport
// device.
//
// Grounded on original_source/hyp/vm/virtio_mmio/src/virtio_mmio.c and
// src/hypercalls.c (supplemented per SPEC_FULL.md, since spec.md's
// distillation mentions VirtIO only as an external collaborator). The
// source's capability-indexed hypercall wrappers (cspace lookup, object
// type check, spinlock, object_put) are stripped here to the device
// model itself; a full boot would reach these methods only through
// pkg/cspace capability lookups, which this package does not duplicate.
package virtio

import (
	"sync"

	"github.com/latticevm/lattice/pkg/herr"
)

// Register offsets within the VirtIO MMIO device page (spec.md §6).
const (
	RegMagic           = 0x000
	RegVersion         = 0x004
	RegDeviceID        = 0x008
	RegVendorID        = 0x00c
	RegDeviceFeatures  = 0x010
	RegDeviceFeatSel   = 0x014
	RegDriverFeatures  = 0x020
	RegDriverFeatSel   = 0x024
	RegQueueSel        = 0x030
	RegQueueNumMax     = 0x034
	RegQueueNum        = 0x038
	RegQueueReady      = 0x044
	RegQueueNotify     = 0x050
	RegInterruptStatus = 0x060
	RegInterruptACK    = 0x064
	RegStatus          = 0x070
	RegQueueDescLow    = 0x080
	RegQueueDescHigh   = 0x084
	RegQueueDriverLow  = 0x090
	RegQueueDriverHigh = 0x094
	RegQueueDeviceLow  = 0x0a0
	RegQueueDeviceHigh = 0x0a4
	RegConfigGen       = 0x0fc
	RegConfigBase      = 0x100

	magicValue = 0x74726976 // "virt"
	version    = 2
)

// Status bits (VirtIO device status register, spec.md §6).
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusNeedsReset  uint32 = 1 << 6
	StatusFailed      uint32 = 1 << 7
)

// queueState is one virtqueue's negotiated configuration.
type queueState struct {
	numMax     uint32
	num        uint32
	ready      bool
	descLow    uint32
	descHigh   uint32
	driverLow  uint32
	driverHigh uint32
	deviceLow  uint32
	deviceHigh uint32
	notified   bool
}

// Device is a VirtIO MMIO transport device backing one guest-visible
// register page (spec.md §6 EXTERNAL INTERFACES).
type Device struct {
	mu sync.Mutex

	deviceID uint32
	vendorID uint32

	deviceFeatures [2]uint32 // indexed by feature-select
	driverFeatures [2]uint32
	devFeatSel     uint32
	drvFeatSel     uint32

	queues   []queueState
	queueSel uint32

	interruptStatus uint32
	status          uint32
	configGen       uint32

	config []byte // type-specific config block starting at RegConfigBase

	virqAsserted bool
}

// NewDevice returns a Device of the given VirtIO device-id with numQueues
// virtqueues and a config block of configSize bytes.
func NewDevice(deviceID uint32, numQueues int, configSize int) *Device {
	return &Device{
		deviceID: deviceID,
		vendorID: 0x4c415454, // "LATT" — this hypervisor's vendor id
		queues:   make([]queueState, numQueues),
		config:   make([]byte, configSize),
	}
}

// SetDeviceFeatures configures the 64-bit device feature bitmap backend
// HVCs expose via the paired feature-select registers (original_source
// hypercalls.c set-features path, spec.md §6 "device features +
// feature-select").
func (d *Device) SetDeviceFeatures(features uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceFeatures[0] = uint32(features)
	d.deviceFeatures[1] = uint32(features >> 32)
}

// SetQueueNumMax implements the backend set-queue-num-max HVC (spec.md
// §6): the maximum virtqueue size the backend will accept for the given
// queue index.
func (d *Device) SetQueueNumMax(queue int, numMax uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue < 0 || queue >= len(d.queues) {
		return herr.ArgumentInvalid
	}
	d.queues[queue].numMax = numMax
	return nil
}

// DriverFeatures implements the backend get-drv-features HVC: the 64-bit
// feature set the driver has accepted.
func (d *Device) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
}

// QueueInfo implements the backend get-queue-info HVC: the negotiated
// size and descriptor/driver/device ring addresses for queue.
type QueueInfo struct {
	Num               uint32
	Ready             bool
	DescAddr          uint64
	DriverAddr        uint64
	DeviceAddr        uint64
}

func (d *Device) QueueInfo(queue int) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue < 0 || queue >= len(d.queues) {
		return QueueInfo{}, herr.ArgumentInvalid
	}
	q := d.queues[queue]
	return QueueInfo{
		Num:        q.num,
		Ready:      q.ready,
		DescAddr:   uint64(q.descLow) | uint64(q.descHigh)<<32,
		DriverAddr: uint64(q.driverLow) | uint64(q.driverHigh)<<32,
		DeviceAddr: uint64(q.deviceLow) | uint64(q.deviceHigh)<<32,
	}, nil
}

// GetNotification implements the backend get-notification HVC: drains and
// returns the set of queue indices the driver has rung the doorbell for
// since the last call.
func (d *Device) GetNotification() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var notified []int
	for i := range d.queues {
		if d.queues[i].notified {
			notified = append(notified, i)
			d.queues[i].notified = false
		}
	}
	return notified
}

// AssertVirq implements the backend assert-virq HVC: the backend raises
// the device's configured interrupt line, setting the queue-interrupt bit
// of interrupt_status (spec.md §6 "interrupt-status/ack").
func (d *Device) AssertVirq() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interruptStatus |= 1
	d.virqAsserted = true
}

// AcknowledgeReset implements the backend acknowledge-reset HVC: clears
// NEEDS_RESET once the backend has finished tearing down queue state
// after a driver-initiated reset.
func (d *Device) AcknowledgeReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status &^= StatusNeedsReset
}

// UpdateStatus implements the backend update-status HVC: the backend may
// set StatusNeedsReset to request the driver reset the device, or set
// StatusFailed to report a backend-side failure.
func (d *Device) UpdateStatus(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status |= bits
}

// --- Guest-facing MMIO register access ---

// width validates the access width against spec.md §6's rule: 4-byte
// accesses to the header and queue region; 1/2/4-byte accesses to the
// config region. Byte accesses outside the config region fault.
func width(offset uint64, size int) bool {
	if offset >= RegConfigBase {
		return size == 1 || size == 2 || size == 4
	}
	return size == 4
}

// Read services a guest MMIO load at offset of the given size, returning
// herr.AddrInvalid for an unaligned/unsupported width (spec.md §6 "Byte
// accesses outside the config region produce a fault").
func (d *Device) Read(offset uint64, size int) (uint64, error) {
	if !width(offset, size) {
		return 0, herr.AddrInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case RegMagic:
		return magicValue, nil
	case RegVersion:
		return version, nil
	case RegDeviceID:
		return uint64(d.deviceID), nil
	case RegVendorID:
		return uint64(d.vendorID), nil
	case RegDeviceFeatures:
		return uint64(d.deviceFeatures[d.devFeatSel&1]), nil
	case RegQueueNumMax:
		return uint64(d.currentQueue().numMax), nil
	case RegQueueReady:
		if d.currentQueue().ready {
			return 1, nil
		}
		return 0, nil
	case RegInterruptStatus:
		return uint64(d.interruptStatus), nil
	case RegStatus:
		return uint64(d.status), nil
	case RegConfigGen:
		return uint64(d.configGen), nil
	default:
		if offset >= RegConfigBase {
			return d.readConfig(offset-RegConfigBase, size)
		}
		return 0, nil
	}
}

// Write services a guest MMIO store at offset (spec.md §6 register
// semantics: feature-select registers gate which 32-bit half the
// adjoining feature register addresses, queue-select gates which
// virtqueue the queue-* registers address, queue-notify rings that
// queue's doorbell, interrupt-ack clears interrupt-status bits, and
// writing status drives the standard VirtIO device-status state
// machine).
func (d *Device) Write(offset uint64, size int, value uint64) error {
	if !width(offset, size) {
		return herr.AddrInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case RegDeviceFeatSel:
		d.devFeatSel = uint32(value)
	case RegDriverFeatures:
		d.driverFeatures[d.drvFeatSel&1] = uint32(value)
	case RegDriverFeatSel:
		d.drvFeatSel = uint32(value)
	case RegQueueSel:
		d.queueSel = uint32(value)
	case RegQueueNum:
		d.setCurrentQueue(func(q *queueState) { q.num = uint32(value) })
	case RegQueueReady:
		d.setCurrentQueue(func(q *queueState) { q.ready = value != 0 })
	case RegQueueNotify:
		if int(value) >= 0 && int(value) < len(d.queues) {
			d.queues[value].notified = true
		}
	case RegInterruptACK:
		d.interruptStatus &^= uint32(value)
		if d.interruptStatus == 0 {
			d.virqAsserted = false
		}
	case RegStatus:
		d.status = uint32(value)
		if d.status == 0 {
			d.resetLocked()
		}
	case RegQueueDescLow:
		d.setCurrentQueue(func(q *queueState) { q.descLow = uint32(value) })
	case RegQueueDescHigh:
		d.setCurrentQueue(func(q *queueState) { q.descHigh = uint32(value) })
	case RegQueueDriverLow:
		d.setCurrentQueue(func(q *queueState) { q.driverLow = uint32(value) })
	case RegQueueDriverHigh:
		d.setCurrentQueue(func(q *queueState) { q.driverHigh = uint32(value) })
	case RegQueueDeviceLow:
		d.setCurrentQueue(func(q *queueState) { q.deviceLow = uint32(value) })
	case RegQueueDeviceHigh:
		d.setCurrentQueue(func(q *queueState) { q.deviceHigh = uint32(value) })
	default:
		if offset >= RegConfigBase {
			return d.writeConfig(offset-RegConfigBase, size, value)
		}
	}
	return nil
}

func (d *Device) currentQueue() *queueState {
	if int(d.queueSel) >= len(d.queues) {
		return &queueState{}
	}
	return &d.queues[d.queueSel]
}

func (d *Device) setCurrentQueue(fn func(*queueState)) {
	if int(d.queueSel) >= len(d.queues) {
		return
	}
	fn(&d.queues[d.queueSel])
}

func (d *Device) resetLocked() {
	d.status = 0
	d.driverFeatures = [2]uint32{}
	for i := range d.queues {
		d.queues[i] = queueState{}
	}
	d.status |= StatusNeedsReset
}

func (d *Device) readConfig(off uint64, size int) (uint64, error) {
	if off+uint64(size) > uint64(len(d.config)) {
		return 0, herr.AddrInvalid
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.config[off+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (d *Device) writeConfig(off uint64, size int, value uint64) error {
	if off+uint64(size) > uint64(len(d.config)) {
		return herr.AddrInvalid
	}
	for i := 0; i < size; i++ {
		d.config[off+uint64(i)] = byte(value >> (8 * i))
	}
	d.configGen++
	return nil
}

// SetConfig replaces the device's type-specific config block and bumps
// config_generation, the signal the driver uses to detect a config change
// mid-read (spec.md §6 "config-generation").
func (d *Device) SetConfig(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.config, data)
	d.configGen++
}
