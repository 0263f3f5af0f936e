// xHCI controller bring-up
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/usbarmory/xhci/internal/reg"
	"github.com/usbarmory/xhci/kernelapi"
	"github.com/usbarmory/xhci/pkg/latch"
	"github.com/usbarmory/xhci/pkg/ratelimit"
)

// Config carries the tunables spec.md §6 lists under the Configuration
// surface; General.Polling and the deferred-work timers live in the
// deferredwork package, these are the xHCI-specific knobs.
type Config struct {
	// ResetTimeout bounds the HCRST/CNR wait (spec.md §4.3 default ~200ms
	// latch trip, hard failure well beyond).
	ResetTimeout time.Duration
	// CommandTimeout and TransferTimeout bound WaitForCommandCompletion
	// and WaitForTransferCompletion (spec.md §4.4).
	CommandTimeout  time.Duration
	TransferTimeout time.Duration
	// CommandRingSlots and EventRingSlots size the rings, link TRB
	// included.
	CommandRingSlots int
	EventRingSlots   int
}

// DefaultConfig matches the budgets named throughout spec.md §4.3/§4.4.
func DefaultConfig() Config {
	return Config{
		ResetTimeout:     200 * time.Millisecond,
		CommandTimeout:   1000 * time.Millisecond,
		TransferTimeout:  1000 * time.Millisecond,
		CommandRingSlots: 256,
		EventRingSlots:   256,
	}
}

// Controller owns one xHCI host controller instance: MMIO register banks,
// DCBAA, command/event rings, completion queue and the per-root-port device
// array (spec.md §3 "Host Controller").
type Controller struct {
	mu sync.Mutex

	mem kernelapi.PhysicalAllocator

	cap *reg.Space // capability + operational + runtime + doorbell, one contiguous window from BAR0

	capLength   uint32
	dboff       uint32
	rtsoff      uint32
	maxSlots    int
	maxPorts    int
	maxIntrs    int
	contextSize int
	maxScratch  int

	dcbaa         uint64
	scratchpadArr uint64

	cmdRing   *Ring
	evtRing   *Ring
	erstAddr  uint64
	completes *completionQueue

	devices []*Device

	cfg Config

	hostSystemErrorSeen bool

	resetLatch    *latch.Latch
	cmdLatch      *latch.Latch
	transferLatch *latch.Latch
}

// NewController wires a Controller to an already-mapped MMIO window (size
// must cover capability, operational, runtime and doorbell regions; the PCI
// enumerator and VM mapper are external collaborators, see
// kernelapi.PhysicalAllocator and SPEC_FULL.md's EXTERNAL COLLABORATOR
// CONTRACTS) and a physical allocator backing DCBAA/rings/contexts.
func NewController(mmio *reg.Space, mem kernelapi.PhysicalAllocator, cfg Config) *Controller {
	return &Controller{
		cap:           mmio,
		mem:           mem,
		cfg:           cfg,
		completes:     newCompletionQueue(),
		resetLatch:    latch.New(cfg.ResetTimeout),
		cmdLatch:      latch.New(cfg.ResetTimeout),
		transferLatch: latch.New(cfg.ResetTimeout),
	}
}

// Attach performs the bring-up sequence from spec.md §4.3: capability
// parsing, reset, DCBAA/ring construction, register programming, Run/Stop,
// port power-on.
func (c *Controller) Attach() error {
	c.parseCapabilities()

	if err := c.reset(); err != nil {
		return err
	}

	if err := c.buildDCBAA(); err != nil {
		return err
	}

	c.cmdRing = NewRing(c.mem, c.cfg.CommandRingSlots)
	if err := c.buildEventRing(); err != nil {
		return err
	}

	if c.maxScratch > 0 {
		if err := c.buildScratchpad(); err != nil {
			return err
		}
	}

	c.opWrite64(opDCBAAP, c.dcbaa)
	c.opWrite64(opCRCR, c.cmdRing.Base()|1) // RCS bit mirrors initial cycle state of 1

	c.cap.SetN(c.capLength+opCONFIG, 0, 0xff, uint32(c.maxSlots))

	c.cap.Set(c.capLength+opUSBCMD, 0) // Run/Stop

	if !c.cap.WaitFor(c.cfg.ResetTimeout, c.capLength+opUSBSTS, 0, 1, 0) {
		return fmt.Errorf("xhci: %w: controller did not leave halted state", ErrTimeout)
	}

	c.devices = make([]*Device, c.maxPorts+1) // 1-indexed by port number

	for p := 1; p <= c.maxPorts; p++ {
		c.devices[p] = newDevice(c, uint8(p), ratelimit.Once(5))
	}

	if c.cap.Read32(capHCSPARAMS1)&hcsparams1PPC != 0 {
		for p := 1; p <= c.maxPorts; p++ {
			c.portSet(uint8(p), portscPP)
		}
	}

	return nil
}

func (c *Controller) parseCapabilities() {
	c.capLength = c.cap.Read32(capCAPLENGTH) & 0xff

	hcs1 := c.cap.Read32(capHCSPARAMS1)
	c.maxSlots = int(hcs1 & hcsparams1MaxSlotsMask)
	c.maxIntrs = int((hcs1 & hcsparams1MaxIntrsMask) >> hcsparams1MaxIntrsShift)
	c.maxPorts = int((hcs1 & hcsparams1MaxPortsMask) >> hcsparams1MaxPortsShift)

	hcs2 := c.cap.Read32(capHCSPARAMS2)
	// Max Scratchpad Buffers is split across two 5-bit fields (xHCI 1.2
	// §5.3.4); bits 25:21 are the high 5 bits, bits 31:27 the low 5.
	c.maxScratch = int(((hcs2>>21)&0x1f)<<5 | (hcs2>>27)&0x1f)

	hcc1 := c.cap.Read32(capHCCPARAMS1)
	if hcc1&hccparams1CSZ != 0 {
		c.contextSize = contextSize64
	} else {
		c.contextSize = contextSize32
	}

	c.dboff = c.cap.Read32(capDBOFF) &^ 0x3
	c.rtsoff = c.cap.Read32(capRTSOFF) &^ 0x1f
}

// reset clears Run/Stop, waits for HCH, asserts HCRST, then waits for both
// HCRST and CNR to clear (spec.md §4.3).
func (c *Controller) reset() error {
	c.resetLatch.Arm()

	c.cap.Clear(c.capLength+opUSBCMD, 0)

	for !c.waitBitWithLatch(c.capLength+opUSBSTS, 0, usbstsHCH, 1, "HCH", c.resetLatch) {
		return fmt.Errorf("xhci: %w: controller did not halt", ErrTimeout)
	}

	c.cap.Set(c.capLength+opUSBCMD, 1) // HCRST

	c.resetLatch.Arm()
	if !c.cap.WaitFor(c.cfg.ResetTimeout*4, c.capLength+opUSBCMD, 1, 1, 0) {
		return fmt.Errorf("xhci: %w: HCRST did not clear", ErrTimeout)
	}

	if !c.cap.WaitFor(c.cfg.ResetTimeout*4, c.capLength+opUSBSTS, 11, 1, 0) {
		return fmt.Errorf("xhci: %w: controller not ready (CNR)", ErrTimeout)
	}

	return nil
}

// waitBitWithLatch spins until the register bit reads val, logging once via
// the latch if the wait runs long, matching spec.md §9 "Busy waits": bound
// by both iteration count and wall clock.
func (c *Controller) waitBitWithLatch(off uint32, pos int, mask uint32, val uint32, label string, l *latch.Latch) bool {
	const maxIter = 200000

	for i := 0; i < maxIter; i++ {
		if c.cap.Get(off, pos, int(mask)) == val {
			return true
		}

		if l.Expired() {
			log.Printf("xhci: waiting for %s, elapsed %s", label, l.Elapsed())
		}
	}

	return false
}

func (c *Controller) buildDCBAA() error {
	size := (c.maxSlots + 1) * 8
	buf := make([]byte, size)

	addr := c.mem.Alloc(buf, 64)
	if addr == 0 {
		return fmt.Errorf("xhci: %w: DCBAA", ErrAllocation)
	}

	c.dcbaa = addr

	return nil
}

func (c *Controller) buildEventRing() error {
	c.evtRing = NewRing(c.mem, c.cfg.EventRingSlots)

	// One-entry ERST: SegmentBase (8) + SegmentSize (2) + 6 reserved. The
	// segment size excludes the last slot, which Dequeue never reads.
	segSize := c.cfg.EventRingSlots - 1
	erst := make([]byte, 16)
	putU32(erst[0:4], uint32(c.evtRing.Base()))
	putU32(erst[4:8], uint32(c.evtRing.Base()>>32))
	erst[8] = byte(segSize)
	erst[9] = byte(segSize >> 8)

	c.erstAddr = c.mem.Alloc(erst, 64)
	if c.erstAddr == 0 {
		return fmt.Errorf("xhci: %w: ERST", ErrAllocation)
	}

	ir0 := c.rtsoff + rtInterrupterBase
	c.cap.Write32(ir0+irERSTSZ, 1)
	c.cap.Write64(ir0+irERSTBA, c.erstAddr)
	c.cap.Write64(ir0+irERDP, c.evtRing.Base())
	c.cap.Set(ir0+irIMAN, 1) // interrupt enable

	return nil
}

func (c *Controller) buildScratchpad() error {
	arr := make([]byte, c.maxScratch*8)

	for i := 0; i < c.maxScratch; i++ {
		page := make([]byte, 4096)
		addr := c.mem.Alloc(page, 4096)

		if addr == 0 {
			return fmt.Errorf("xhci: %w: scratchpad page %d", ErrAllocation, i)
		}

		putU32(arr[i*8:i*8+4], uint32(addr))
		putU32(arr[i*8+4:i*8+8], uint32(addr>>32))
	}

	addr := c.mem.Alloc(arr, 64)
	if addr == 0 {
		return fmt.Errorf("xhci: %w: scratchpad array", ErrAllocation)
	}

	c.scratchpadArr = addr
	c.mem.Write(c.dcbaa, 0, dwords64(addr))

	return nil
}

func dwords64(v uint64) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], uint32(v))
	putU32(b[4:8], uint32(v>>32))
	return b
}

func (c *Controller) opWrite64(off uint32, val uint64) {
	c.cap.Write64(c.capLength+off, val)
}

func (c *Controller) opRead32(off uint32) uint32 {
	return c.cap.Read32(c.capLength + off)
}

// portOffset returns the PORTSC offset (1-indexed port).
func (c *Controller) portOffset(port uint8) uint32 {
	return c.capLength + opPORTSCBase + uint32(port-1)*opPORTSCStride
}

// portSet writes a PORTSC bit, masking off the RW1C status-change bits so
// that setting e.g. PP does not accidentally acknowledge pending changes
// (xHCI 1.2 §5.4.8 note on PORTSC's mixed RW/RW1C layout).
func (c *Controller) portSet(port uint8, bit uint32) {
	off := c.portOffset(port)
	cur := c.cap.Read32(off)
	c.cap.Write32(off, (cur&^uint32(portscW1CMask))|bit)
}

// PORTSC returns the raw port status/control register for port (1-indexed).
func (c *Controller) PORTSC(port uint8) uint32 {
	return c.cap.Read32(c.portOffset(port))
}

// RingDoorbell rings target's doorbell: 0/0 for the command ring, slotID/dci
// for a transfer ring (spec.md §4.4).
func (c *Controller) RingDoorbell(slotID uint8, target uint8) {
	off := c.dboff + uint32(slotID)*4
	c.cap.Write32(off, uint32(target))
}

// PollCompletions drains the event ring into the completion queue,
// acknowledging ERDP with the Event Handler Busy bit set after each batch
// (spec.md §4.4).
func (c *Controller) PollCompletions() {
	var last uint64
	any := false

	for {
		trb, _, ok := c.evtRing.Dequeue()
		if !ok {
			break
		}

		any = true

		typ := trb.Type()
		switch typ {
		case TRBTypeCommandCompletionEvent, TRBTypeTransferEvent:
			c.completes.push(Completion{
				TRBPhysical:    uint64(trb.Dword0) | uint64(trb.Dword1)<<32,
				CompletionCode: (trb.Dword2 >> 24) & 0xff,
				Type:           typ,
				SlotID:         uint8(trb.Dword3 >> 24),
			})
		}

		last = c.dequeuePointer()
	}

	if any {
		ir0 := c.rtsoff + rtInterrupterBase
		c.cap.Write64(ir0+irERDP, last|erdpEHB)
	}

	c.checkHostSystemError()
}

func (c *Controller) dequeuePointer() uint64 {
	return c.evtRing.Base() + uint64(c.evtRing.dequeueIdx)*TRBSize
}

// checkHostSystemError captures a host-system-error transition exactly once
// per controller, logging USBCMD, USBSTS, CONFIG, CRCR and the DCBAA address
// (spec.md §4.3, §7). PCI command/status and interrupter registers are not
// included in the log line.
func (c *Controller) checkHostSystemError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hostSystemErrorSeen {
		return
	}

	if c.opRead32(opUSBSTS)&usbstsHSE == 0 {
		return
	}

	c.hostSystemErrorSeen = true

	log.Printf(
		"xhci: host system error: USBCMD=%#x USBSTS=%#x CONFIG=%#x CRCR=%#x DCBAAP=%#x",
		c.opRead32(opUSBCMD), c.opRead32(opUSBSTS), c.opRead32(opCONFIG),
		c.opRead32(opCRCR), c.dcbaa,
	)
}

// WaitForCommandCompletion polls the completion queue for a matching command
// completion, bounded by cfg.CommandTimeout (spec.md §4.4).
func (c *Controller) WaitForCommandCompletion(trbPhys uint64) (Completion, error) {
	return c.waitForCompletion(TRBTypeCommandCompletionEvent, trbPhys, c.cfg.CommandTimeout, c.cmdLatch)
}

// WaitForTransferCompletion polls for a matching transfer event, bounded by
// cfg.TransferTimeout.
func (c *Controller) WaitForTransferCompletion(trbPhys uint64) (Completion, error) {
	return c.waitForCompletion(TRBTypeTransferEvent, trbPhys, c.cfg.TransferTimeout, c.transferLatch)
}

func (c *Controller) waitForCompletion(typ int, trbPhys uint64, timeout time.Duration, l *latch.Latch) (Completion, error) {
	l.Arm()
	deadline := time.Now().Add(timeout)

	for {
		c.PollCompletions()

		if comp, ok := c.completes.pop(typ, trbPhys); ok {
			return comp, nil
		}

		if l.Expired() {
			log.Printf("xhci: waiting for completion trb=%#x, elapsed %s", trbPhys, l.Elapsed())
		}

		if time.Now().After(deadline) {
			return Completion{TRBPhysical: trbPhys, CompletionCode: CompletionTimeout, Type: typ}, ErrTimeout
		}

		time.Sleep(time.Millisecond)
	}
}

// Device returns the root-port device object for port (1-indexed).
func (c *Controller) Device(port uint8) *Device {
	if int(port) >= len(c.devices) {
		return nil
	}

	return c.devices[port]
}

// MaxPorts returns the controller's capability-reported port count.
func (c *Controller) MaxPorts() int {
	return c.maxPorts
}
