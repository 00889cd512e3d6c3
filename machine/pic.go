package machine

import "sync"

// vectorBase is where the legacy ISA IRQ lines land in the IDT, matching
// real PC firmware's PIC remap (IRQ0 -> vector 0x20) so guest IDT handlers
// written against that convention work unmodified.
const vectorBase = 0x20

// pic is a deliberately minimal stand-in for a full 8259/IOAPIC/LAPIC
// hierarchy (spec §2 step 4 names "interrupt controllers" but leaves the
// exact model open). It tracks up to 16 ISA-style lines as edge-latched
// single-shot requests: Raise marks a line pending, and PendingVector pops
// the highest-priority (lowest-numbered) pending line once, handing the
// dispatcher a fixed vector = vectorBase+irq. This is enough to deliver
// serial and virtio completion interrupts through jit.Dispatcher's
// InterruptSource hook; it does not model IMR masking, EOI, or priority
// rotation. A fuller controller is open work tracked in DESIGN.md.
type pic struct {
	mu      sync.Mutex
	pending [16]bool
}

func newPIC() *pic {
	return &pic{}
}

func (p *pic) raise(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq < uint8(len(p.pending)) {
		p.pending[irq] = true
	}
}

// PendingVector implements jit.InterruptSource.
func (p *pic) PendingVector() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for irq := range p.pending {
		if p.pending[irq] {
			p.pending[irq] = false
			return vectorBase + uint8(irq), true
		}
	}
	return 0, false
}
