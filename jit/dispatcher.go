package jit

import (
	"github.com/wilsonzlin/aero/bus"
	"github.com/wilsonzlin/aero/cpu"
)

// InterruptSource lets the dispatcher ask whether an interrupt is pending
// and raisable under the current IF state (spec §4.2 "Dispatcher loop" step
// 2); a PIC/APIC implementation supplies this.
type InterruptSource interface {
	PendingVector() (vector uint8, ok bool)
}

// CompileRequest is what the dispatcher sends to a background compile
// worker when a cache miss turns out to be hot (spec §4.2 step 3). The
// worker compiles asynchronously and installs via Cache.Insert once
// Cache.ValidateForInstall passes.
type CompileRequest struct {
	EntryRIP uint64
	CSBase   uint64
	Bitness  int
}

// Dispatcher runs a single vCPU's per-block loop (spec §4.2 "Dispatcher
// loop"). It is single-threaded by construction: Step is not safe to call
// concurrently with itself, matching the "single-threaded per vCPU" model
// in spec §5.
type Dispatcher struct {
	Bus     *bus.Bus
	Interp  *cpu.Interp
	Backend Backend

	Cache   *Cache
	Profile *ProfileData
	Policy  Policy

	Interrupts InterruptSource

	// CompileRequests receives hot-block compile requests; nil disables
	// Tier-1 promotion entirely (pure Tier-0 execution), which is a valid
	// degraded mode, not an error.
	CompileRequests chan<- CompileRequest

	pageOf func(paddr uint64) uint64
}

// NewDispatcher wires a dispatcher for one vCPU.
func NewDispatcher(b *bus.Bus, interp *cpu.Interp, backend Backend, cache *Cache, interrupts InterruptSource) *Dispatcher {
	return &Dispatcher{
		Bus:        b,
		Interp:     interp,
		Backend:    backend,
		Cache:      cache,
		Profile:    NewProfileData(),
		Policy:     DefaultPolicy,
		Interrupts: interrupts,
		pageOf:     func(paddr uint64) uint64 { return paddr >> 12 },
	}
}

// Step runs exactly one dispatcher iteration for s, per spec §4.2's
// four-step "Dispatcher loop" enumeration.
func (d *Dispatcher) Step(s *cpu.State) error {
	// 1. Pending exceptions are serviced by the interpreter itself on its
	// next Step call (cpu.Interp.Step checks s.PendingException first), so
	// a single interpreter step both services the exception and advances.
	if s.PendingException != nil {
		_, err := d.Interp.Step(s)
		return err
	}

	// 2. Pending interrupts, gated on IF.
	if d.Interrupts != nil && s.RFLAGS&cpu.FlagIF != 0 && !s.InhibitInterrupts {
		if vector, ok := d.Interrupts.PendingVector(); ok {
			s.PendingException = &cpu.Exception{Vector: vector}
			_, err := d.Interp.Step(s)
			return err
		}
	}
	s.InhibitInterrupts = false

	entryRIP := s.RIP
	csBase := s.CS.Base
	bitness := s.Bitness()

	// 3. Probe the code cache.
	if d.Cache != nil {
		if handle, ok := d.Cache.GetCloned(entryRIP); ok {
			// 4. Hit: execute through the backend.
			outcome, err := d.Backend.Execute(handle.Table, d.Interp, s)
			if err != nil {
				return err
			}
			s.RIP = outcome.NextRIP
			if outcome.ExitToInterpreter {
				_, err := d.Interp.Step(s)
				return err
			}
			d.Profile.RecordBlock(entryRIP)
			d.Profile.RecordEdge(entryRIP, s.RIP)
			return nil
		}
	}

	// Miss: record profile, maybe request compilation, execute one block
	// through Tier-0 in the meantime (spec §4.2 step 3).
	d.Profile.RecordBlock(entryRIP)
	if d.Cache != nil && d.CompileRequests != nil && d.Profile.IsHot(entryRIP, d.Policy) {
		select {
		case d.CompileRequests <- CompileRequest{EntryRIP: entryRIP, CSBase: csBase, Bitness: bitness}:
		default:
			// Compile queue full: drop the request, stay on Tier-0 this
			// round. A future miss will retry.
		}
	}

	disc := DiscoverBlock(d.Bus, entryRIP, csBase, bitness)
	nextRIP, _, err := ExecuteViaInterpreter(d.Interp, s, disc)
	if err != nil {
		return err
	}
	d.Profile.RecordEdge(entryRIP, nextRIP)
	return nil
}

// CompileAndInstall is what a compile worker (possibly on another OS
// thread, per spec §5) calls once it has finished building a block: it
// validates the snapshotted page versions are still current and, if so,
// compiles and installs the handle, returning the RIPs evicted to make
// room.
func CompileAndInstall(backend Backend, cache *Cache, pvs PageVersionSource, pageOf func(uint64) uint64, req CompileRequest, b *bus.Bus) (evicted []uint64, installed bool, err error) {
	disc := DiscoverBlock(b, req.EntryRIP, req.CSBase, req.Bitness)
	if len(disc.Instructions) == 0 {
		return nil, false, nil
	}
	meta := BlockMetaFrom(disc, pvs, pageOf)
	if !cache.ValidateForInstall(CompiledBlockHandle{EntryRIP: req.EntryRIP, Meta: meta}, pvs) {
		return nil, false, nil
	}
	idx, err := backend.CompileBlock(disc)
	if err != nil {
		return nil, false, err
	}
	handle := CompiledBlockHandle{EntryRIP: req.EntryRIP, Table: idx, Meta: meta}
	evicted = cache.Insert(handle)
	return evicted, true, nil
}
