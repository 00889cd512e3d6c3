package pci

// IntxSink receives GSI level-edge notifications; the platform's PIC/IOAPIC
// wiring implements this (spec §4.4 "INTx router").
type IntxSink interface {
	RaiseGSI(gsi uint8)
	LowerGSI(gsi uint8)
}

// Pin names a legacy INTx pin.
type Pin int

const (
	PinA Pin = iota
	PinB
	PinC
	PinD
)

// BDF is a PCI Bus/Device/Function triple.
type BDF struct {
	Bus, Device, Function uint8
}

// pirqGSI is the standard PIIX3 PC PIRQ->GSI wiring: PIRQA..D map to GSI
// 10,10,11,11 is too collision-prone for a toy router, so this follows the
// commonly documented piix4 default (PIRQA=10, PIRQB=11, PIRQC=5, PIRQD=6) —
// see DESIGN.md's "Open-question decisions" entry: spec.md leaves the
// table unspecified, this is *a* standard legacy wiring, not *the*
// semantics-critical one.
var pirqGSI = [4]uint8{10, 11, 5, 6}

// pinToPIRQ implements the standard swizzle formula GSI = (device + pin) %
// 4, routed through the PIRQ table above.
func pinToPIRQ(device uint8, pin Pin) int {
	return (int(device) + int(pin)) % 4
}

// IntxRouter maps (BDF, pin) to a GSI and refcounts asserting devices per
// GSI so a falling edge is only emitted when every asserting function has
// deasserted (spec §4.4 "Each GSI has a refcount of asserting devices").
type IntxRouter struct {
	sink    IntxSink
	refs    map[uint8]int
	asserts map[BDF]bool // per-(bdf,pin) latched level, keyed by bdf for simplicity (one pin per function modeled)
}

// NewIntxRouter builds a router delivering edges to sink.
func NewIntxRouter(sink IntxSink) *IntxRouter {
	return &IntxRouter{
		sink:    sink,
		refs:    map[uint8]int{},
		asserts: map[BDF]bool{},
	}
}

// GSIFor resolves the GSI a given (bdf, pin) routes to.
func (r *IntxRouter) GSIFor(bdf BDF, pin Pin) uint8 {
	return pirqGSI[pinToPIRQ(bdf.Device, pin)]
}

// AssertINTx raises bdf's line; the sink only sees a rising edge on the
// GSI's refcount transitioning 0->1.
func (r *IntxRouter) AssertINTx(bdf BDF, pin Pin) {
	if r.asserts[bdf] {
		return
	}
	r.asserts[bdf] = true
	gsi := r.GSIFor(bdf, pin)
	r.refs[gsi]++
	if r.refs[gsi] == 1 {
		r.sink.RaiseGSI(gsi)
	}
}

// DeassertINTx lowers bdf's line; the sink only sees a falling edge on the
// GSI's refcount transitioning 1->0.
func (r *IntxRouter) DeassertINTx(bdf BDF, pin Pin) {
	if !r.asserts[bdf] {
		return
	}
	r.asserts[bdf] = false
	gsi := r.GSIFor(bdf, pin)
	if r.refs[gsi] > 0 {
		r.refs[gsi]--
	}
	if r.refs[gsi] == 0 {
		r.sink.LowerGSI(gsi)
	}
}

// SyncLevelsToSink replays every GSI's current asserted/deasserted level to
// the sink, deterministically, for use right after snapshot restore (spec
// §4.4 "After snapshot restore, the router replays current levels via
// sync_levels_to_sink").
func (r *IntxRouter) SyncLevelsToSink() {
	for g := 0; g < 256; g++ {
		gsi := uint8(g)
		count, ok := r.refs[gsi]
		if !ok {
			continue
		}
		if count > 0 {
			r.sink.RaiseGSI(gsi)
		} else {
			r.sink.LowerGSI(gsi)
		}
	}
}

// GSILevel reports whether gsi is currently asserted by any device.
func (r *IntxRouter) GSILevel(gsi uint8) bool {
	return r.refs[gsi] > 0
}
