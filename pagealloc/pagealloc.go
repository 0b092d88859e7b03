// Package pagealloc implements the physical page allocator (PPA):
// a per-CPU free-list allocator for fixed-size physical pages with
// cross-CPU work stealing, grounded on
// original_source/kernel/kalloc.c.
//
// Allocation never blocks: every operation here completes without
// suspension, per spec.md §5.
package pagealloc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"microkern/cpuset"
	"microkern/obs"
	"microkern/spinlock"
)

// ErrExhausted is returned by Alloc when every arena is empty.
var ErrExhausted = errors.New("pagealloc: all arenas exhausted")

const (
	// allocJunk fills a page right before it is handed out, to surface
	// use-before-initialize bugs.
	allocJunk byte = 0x05
	// freeJunk fills a page right after it is returned, to surface
	// dangling-reference bugs (kalloc.c: memset(pa, 1, PGSIZE)).
	freeJunk byte = 0x01
)

// page is the free-list node: kalloc.c overlays "struct run { struct
// run *next; }" at offset zero of the page's own storage. Go slices
// are already safe, bounds-checked handles, so there is no benefit —
// and real risk — in imitating that pointer-overlay trick with
// unsafe.Pointer; the node and its backing bytes are just two fields
// of one struct.
type page struct {
	id    uint64
	bytes []byte
	next  *page
}

// lastPageID numbers every page newPage creates, so Addr.ID is unique
// across all allocators in the process.
var lastPageID atomic.Uint64

func newPage(size int) *page {
	return &page{id: lastPageID.Add(1), bytes: make([]byte, size)}
}

// arena is one CPU's free list plus the spin lock protecting it.
type arena struct {
	lock     *spinlock.Lock
	freeList *page
	count    int // number of pages currently on this arena's list
}

// Allocator is the physical page allocator. Pages are identified by
// Addr, an opaque handle produced only by Alloc or by Initialize's
// boot-time seeding; each Addr owns its own backing byte slice.
type Allocator struct {
	pageSize   int
	stealBatch int
	cpus       *cpuset.Set

	arenas []arena

	allocs      atomic.Uint64
	frees       atomic.Uint64
	steals      atomic.Uint64
	stolenPages atomic.Uint64
	exhausted   atomic.Uint64
}

// Stats mirrors the counters the teacher's FileMgr keeps for I/O,
// generalized to allocator events; spec.md's invariants (§8) are
// naturally phrased in terms of exactly these counts.
type Stats struct {
	Allocs      uint64
	Frees       uint64
	Steals      uint64 // number of steal operations that moved >=1 page
	StolenPages uint64 // total pages moved by stealing
	Exhausted   uint64 // Alloc calls that returned ErrExhausted
}

// Addr identifies one allocated or free page. Callers must not retain
// a reference to Bytes() after Free.
type Addr struct {
	id    uint64
	bytes []byte
}

// Bytes returns the page's backing storage. Valid until the address is
// freed.
func (a Addr) Bytes() []byte { return a.bytes }

// ID returns an opaque, process-unique identifier for the page,
// useful for logging and for the round-trip test in spec.md §8
// ("allocate until p is returned again").
func (a Addr) ID() uint64 { return a.id }

// New constructs an allocator with ncpu arenas, each backing
// page-sized byte slices. stealBatch is the maximum number of pages
// moved from one victim arena per steal attempt (spec.md reference
// value: 64).
func New(ncpu, pageSize, stealBatch int) *Allocator {
	if ncpu < 1 {
		panic("pagealloc: ncpu must be >= 1")
	}
	if pageSize <= 0 {
		panic("pagealloc: pageSize must be positive")
	}
	if stealBatch < 1 {
		panic("pagealloc: stealBatch must be >= 1")
	}
	a := &Allocator{
		pageSize:   pageSize,
		stealBatch: stealBatch,
		cpus:       cpuset.NewSet(ncpu),
		arenas:     make([]arena, ncpu),
	}
	for i := range a.arenas {
		a.arenas[i].lock = spinlock.New(fmt.Sprintf("pagealloc.arena[%d]", i))
	}
	return a
}

// Initialize seeds the allocator with n freshly allocated pages,
// distributed round-robin across arenas, the Go analogue of kalloc.c's
// freerange(start, end) walking a physical address range. Since this
// is a library (not a kernel with a real physical address space),
// "the managed region" is simply n fresh pages rather than a carved-out
// [start, end) window.
func (a *Allocator) Initialize(n int) {
	for i := 0; i < n; i++ {
		cpu := i % len(a.arenas)
		pg := newPage(a.pageSize)

		ar := &a.arenas[cpu]
		ar.lock.Lock()
		pg.next = ar.freeList
		ar.freeList = pg
		ar.count++
		ar.lock.Unlock()
	}
}

// Seed pushes n freshly constructed free pages directly onto arena
// cpu's list, bypassing round-robin distribution. Tests use this to
// set up scenario-specific starting states (spec.md §8 scenario 5:
// "populate CPU 1's arena with 1000 free pages"); production code
// should use Initialize.
func (a *Allocator) Seed(cpu, n int) {
	ar := &a.arenas[cpu]
	ar.lock.Lock()
	defer ar.lock.Unlock()
	for i := 0; i < n; i++ {
		pg := newPage(a.pageSize)
		pg.next = ar.freeList
		ar.freeList = pg
		ar.count++
	}
}

// Alloc returns a free page, sampling the calling goroutine's logical
// CPU, draining the local arena first and stealing from other arenas
// in ascending CPU order if it is empty, exactly as kalloc() does.
func (a *Allocator) Alloc(ctx context.Context) (Addr, error) {
	tok := a.cpus.PushOff(nil)
	defer tok.PopOff()
	return a.allocOn(ctx, tok.ID())
}

// AllocOn is the deterministic variant of Alloc used by tests that
// must pin a call to a specific CPU (spec.md §8 scenario 5: "drain
// CPU 0's arena... on CPU 0"). Production code should call Alloc.
func (a *Allocator) AllocOn(ctx context.Context, cpu int) (Addr, error) {
	tok := a.cpus.PushOffOn(cpu)
	defer tok.PopOff()
	return a.allocOn(ctx, tok.ID())
}

func (a *Allocator) allocOn(ctx context.Context, cpu int) (Addr, error) {
	_, span := obs.StartSpan(ctx, "pagealloc.Alloc", attribute.Int("cpu", cpu))
	defer span.End()

	ar := &a.arenas[cpu]
	ar.lock.Lock()

	if ar.freeList == nil {
		a.steal(cpu)
	}

	p := ar.freeList
	if p != nil {
		ar.freeList = p.next
		ar.count--
	}
	ar.lock.Unlock()

	if p == nil {
		a.exhausted.Add(1)
		obs.Logger().WithFields(logrus.Fields{"cpu": cpu}).Warn("pagealloc: arena exhausted, no victim had pages")
		return Addr{}, ErrExhausted
	}

	for i := range p.bytes {
		p.bytes[i] = allocJunk
	}
	a.allocs.Add(1)
	return Addr{id: p.id, bytes: p.bytes}, nil
}

// steal moves up to a.stealBatch pages from other arenas into cpu's
// arena. The caller must already hold arena[cpu]'s lock; steal never
// acquires more than one victim lock at a time, so the lock order is
// always "local, then one victim" — deadlock-free because no goroutine
// ever holds two victim locks simultaneously or waits on its own
// local lock while holding a victim's.
func (a *Allocator) steal(cpu int) {
	local := &a.arenas[cpu]
	need := a.stealBatch
	moved := 0
	for victim := 0; victim < len(a.arenas) && need > 0; victim++ {
		if victim == cpu {
			continue
		}
		v := &a.arenas[victim]
		v.lock.Lock()
		for need > 0 && v.freeList != nil {
			p := v.freeList
			v.freeList = p.next
			v.count--
			p.next = local.freeList
			local.freeList = p
			local.count++
			need--
			moved++
		}
		v.lock.Unlock()
	}
	if moved > 0 {
		a.steals.Add(1)
		a.stolenPages.Add(uint64(moved))
		obs.Logger().WithFields(logrus.Fields{"cpu": cpu, "moved": moved}).Debug("pagealloc: stole pages")
	}
}

// Free returns addr to the calling goroutine's current CPU's arena,
// after overwriting its contents with the "freed" junk byte to surface
// dangling reads, exactly as kfree() does before ever touching the
// free list.
func (a *Allocator) Free(ctx context.Context, addr Addr) {
	if len(addr.bytes) != a.pageSize {
		panic(fmt.Sprintf("pagealloc: Free called with a %d-byte page, allocator manages %d-byte pages", len(addr.bytes), a.pageSize))
	}
	_, span := obs.StartSpan(ctx, "pagealloc.Free", attribute.Int64("page_id", int64(addr.id)))
	defer span.End()

	for i := range addr.bytes {
		addr.bytes[i] = freeJunk
	}

	tok := a.cpus.PushOff(nil)
	defer tok.PopOff()

	ar := &a.arenas[tok.ID()]
	ar.lock.Lock()
	p := &page{id: addr.id, bytes: addr.bytes, next: ar.freeList}
	ar.freeList = p
	ar.count++
	ar.lock.Unlock()

	a.frees.Add(1)
}

// Stats returns a snapshot of cumulative allocator counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocs:      a.allocs.Load(),
		Frees:       a.frees.Load(),
		Steals:      a.steals.Load(),
		StolenPages: a.stolenPages.Load(),
		Exhausted:   a.exhausted.Load(),
	}
}

// FreeCount returns the number of pages currently free on arena cpu's
// list, for tests exercising spec.md §8 invariant 5 (the total of
// free-list lengths plus outstanding allocations is conserved).
func (a *Allocator) FreeCount(cpu int) int {
	ar := &a.arenas[cpu]
	ar.lock.Lock()
	defer ar.lock.Unlock()
	return ar.count
}

// NCPU returns the number of logical CPUs configured.
func (a *Allocator) NCPU() int { return a.cpus.NCPU() }
