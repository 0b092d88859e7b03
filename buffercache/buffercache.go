// Package buffercache implements the bounded, in-memory disk block
// buffer cache (BC): content-addressed lookup by (device,
// block_number), per-bucket spin locks on the hot path, a single
// eviction lock serializing cross-bucket LRU migration, and a
// per-buffer sleep lock serializing access to one block's contents.
//
// It is grounded on original_source/kernel/bio.c (the get_buffer
// three-phase algorithm, the bucket hash, bpin/bunpin) and on the
// teacher's buffer.BufferMgr (Go lock idioms, error wrapping,
// constructor shape) — but the eviction and bucket-migration scheme
// here is bio.c's sharded-lock design, not the teacher's single
// mutex over a flat slice with a linear-scan LRU.
package buffercache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"microkern/diskio"
	"microkern/obs"
	"microkern/sleeplock"
	"microkern/spinlock"
)

// Buffer holds one cached disk block plus the bookkeeping spec.md §3
// assigns to it. Its mutable fields (device, blockNumber, valid,
// refCount, lastUse, the chain link) are protected by whichever
// bucket currently contains it; data is protected solely by
// contentLock.
type Buffer struct {
	id int // flat-pool index; used as the content lock's holder id

	device      uint32
	blockNumber uint32
	valid       bool
	refCount    int
	lastUse     uint64
	diskOwned   bool // the original's inert "disk" field; see SPEC_FULL.md §13.1

	data        []byte
	contentLock *sleeplock.Lock

	next *Buffer // intrusive bucket-chain link
}

// Device returns the block's device id.
func (b *Buffer) Device() uint32 { return b.device }

// BlockNumber returns the block's number.
func (b *Buffer) BlockNumber() uint32 { return b.blockNumber }

type bucket struct {
	lock *spinlock.Lock
	head *Buffer
}

// Cache is the buffer cache. Construct with New.
type Cache struct {
	nbuckets  int
	blockSize int
	disk      diskio.Device

	evictionLock *spinlock.Lock
	buckets      []bucket
	buffers      []*Buffer // flat pool; ownership is static per spec.md §3

	tick atomic.Uint64

	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	migrations atomic.Uint64
}

// Stats is a snapshot of cumulative cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Migrations uint64
}

// Lease is an exclusive handle on a cached block's contents. A lease
// must not outlive Release; using a Buffer's data after Release is a
// programming error (the subsequent content-lock release on an
// already-released buffer panics, which is the detection mechanism).
type Lease struct {
	cache *Cache
	buf   *Buffer
}

// Data returns the lease's exclusive view of the block's BlockSize
// bytes.
func (l *Lease) Data() []byte { return l.buf.data }

// Buffer returns the underlying buffer, for callers that need its
// identity (device/block number) without touching data.
func (l *Lease) Buffer() *Buffer { return l.buf }

// New constructs a cache of nbuf buffers of blockSize bytes each,
// sharded across nbuckets hash buckets, reading and writing through
// disk. nbuckets should be an odd prime (spec.md's reference is 13);
// New only requires it be odd and positive, matching bio.c which
// never validates primality either.
func New(nbuf, nbuckets, blockSize int, disk diskio.Device) (*Cache, error) {
	if nbuf < 1 {
		return nil, errors.New("buffercache: nbuf must be >= 1")
	}
	if nbuckets < 1 || nbuckets%2 == 0 {
		return nil, fmt.Errorf("buffercache: nbuckets must be a positive odd number, got %d", nbuckets)
	}
	if blockSize < 1 {
		return nil, errors.New("buffercache: blockSize must be >= 1")
	}

	c := &Cache{
		nbuckets:     nbuckets,
		blockSize:    blockSize,
		disk:         disk,
		evictionLock: spinlock.New("buffercache.eviction"),
		buckets:      make([]bucket, nbuckets),
	}
	for i := range c.buckets {
		c.buckets[i].lock = spinlock.New(fmt.Sprintf("buffercache.bucket[%d]", i))
	}

	// Idle-Unassigned: every buffer starts in bucket 0, per binit().
	c.buffers = make([]*Buffer, nbuf)
	for i := 0; i < nbuf; i++ {
		b := &Buffer{
			id:          i,
			data:        make([]byte, blockSize),
			contentLock: sleeplock.New(fmt.Sprintf("buffercache.buffer[%d]", i)),
		}
		c.buffers[i] = b
		b.next = c.buckets[0].head
		c.buckets[0].head = b
	}
	return c, nil
}

func hash(device, blockNumber uint32, nbuckets int) int {
	return int((device<<27 | blockNumber) % uint32(nbuckets))
}

// ReadBlock returns an exclusive lease on the buffer holding
// (device, blockNumber), reading it from disk first if it was not
// already cached. It panics only on pool exhaustion (no evictable
// buffer exists); a disk I/O failure is returned as an error rather
// than swallowed, since diskio.Device already surfaces one — see
// DESIGN.md for why this one case departs from spec.md's
// "never fails except panic" framing.
func (c *Cache) ReadBlock(ctx context.Context, device, blockNumber uint32) (*Lease, error) {
	ctx, span := obs.StartSpan(ctx, "buffercache.ReadBlock",
		attribute.Int64("device", int64(device)),
		attribute.Int64("block_number", int64(blockNumber)))
	defer span.End()
	_ = ctx

	buf := c.getBuffer(device, blockNumber)

	if !buf.valid {
		if err := c.disk.ReadBlock(buf.device, buf.blockNumber, buf.data); err != nil {
			buf.contentLock.Release()
			c.unref(buf)
			return nil, fmt.Errorf("buffercache: read device %d block %d: %w", device, blockNumber, err)
		}
		buf.valid = true
	}
	return &Lease{cache: c, buf: buf}, nil
}

// WriteBlock flushes the lease's current data to disk. The caller
// must hold the lease (always true for any *Lease obtained from
// ReadBlock that has not yet been released).
func (c *Cache) WriteBlock(ctx context.Context, lease *Lease) error {
	ctx, span := obs.StartSpan(ctx, "buffercache.WriteBlock",
		attribute.Int64("device", int64(lease.buf.device)),
		attribute.Int64("block_number", int64(lease.buf.blockNumber)))
	defer span.End()
	_ = ctx

	buf := lease.buf
	if !buf.contentLock.Holding() {
		panic("buffercache: WriteBlock requires the lease's content lock to be held")
	}
	if err := c.disk.WriteBlock(buf.device, buf.blockNumber, buf.data); err != nil {
		return fmt.Errorf("buffercache: write device %d block %d: %w", buf.device, buf.blockNumber, err)
	}
	return nil
}

// Release releases the lease. The buffer becomes eligible for
// eviction once its ref_count reaches zero. The caller must not touch
// lease.Data() afterward.
func (c *Cache) Release(lease *Lease) {
	lease.buf.contentLock.Release()
	c.unref(lease.buf)
}

// unref implements the ref_count-- / last_use update shared by
// Release and the failed-I/O unwind path in ReadBlock.
func (c *Cache) unref(buf *Buffer) {
	key := hash(buf.device, buf.blockNumber, c.nbuckets)
	bl := c.buckets[key].lock
	bl.Lock()
	buf.refCount--
	if buf.refCount == 0 {
		buf.lastUse = c.tick.Add(1)
	}
	bl.Unlock()
}

// Pin increments the lease's buffer ref_count without touching the
// content lock, used by a log layer to keep a dirty buffer resident
// across commits even after the lease that produced it is released.
func (c *Cache) Pin(lease *Lease) {
	buf := lease.buf
	key := hash(buf.device, buf.blockNumber, c.nbuckets)
	bl := c.buckets[key].lock
	bl.Lock()
	buf.refCount++
	bl.Unlock()
}

// Unpin decrements the ref_count incremented by Pin. It does not
// update last_use even if the count reaches zero — only Release does,
// matching bio.c's bunpin, which never touches b->lastuse.
func (c *Cache) Unpin(lease *Lease) {
	buf := lease.buf
	key := hash(buf.device, buf.blockNumber, c.nbuckets)
	bl := c.buckets[key].lock
	bl.Lock()
	buf.refCount--
	bl.Unlock()
}

// Stats returns a snapshot of cumulative cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Migrations: c.migrations.Load(),
	}
}

// getBuffer implements get_buffer's three-phase lookup/allocation
// algorithm from spec.md §4.1, returning a buffer pinned (ref_count
// incremented) with its content lock already acquired.
func (c *Cache) getBuffer(device, blockNumber uint32) *Buffer {
	key := hash(device, blockNumber, c.nbuckets)
	bl := c.buckets[key].lock

	// Phase 1: fast path, single bucket lock.
	bl.Lock()
	if b := scan(c.buckets[key].head, device, blockNumber); b != nil {
		b.refCount++
		bl.Unlock()
		b.contentLock.Acquire(int64(b.id))
		c.hits.Add(1)
		return b
	}
	bl.Unlock()

	// Phase 2: re-check under the eviction lock — another client may
	// have installed the same block between the unlock above and here.
	c.evictionLock.Lock()
	bl.Lock()
	if b := scan(c.buckets[key].head, device, blockNumber); b != nil {
		b.refCount++
		bl.Unlock()
		c.evictionLock.Unlock()
		b.contentLock.Acquire(int64(b.id))
		c.hits.Add(1)
		return b
	}
	bl.Unlock()

	// Phase 3: victim selection and migration, still holding eviction_lock.
	victim, victimBucket, held := c.selectVictim()
	if victim == nil {
		c.evictionLock.Unlock()
		panic("buffercache: pool exhausted, no evictable buffer")
	}

	if victimBucket != key {
		held.Unlock()
		bl.Lock()
		held = bl
		c.migrations.Add(1)
		obs.Logger().WithFields(logrus.Fields{
			"from_bucket": victimBucket, "to_bucket": key,
		}).Debug("buffercache: migrated victim buffer across buckets")
	}
	// selectVictim always unlinks the victim from its source chain;
	// (re-)insert it at the head of the destination bucket, which is
	// the no-op identity move when victimBucket == key.
	victim.next = c.buckets[key].head
	c.buckets[key].head = victim

	victim.device = device
	victim.blockNumber = blockNumber
	victim.valid = false
	victim.refCount = 1

	held.Unlock()
	c.evictionLock.Unlock()
	victim.contentLock.Acquire(int64(victim.id))
	c.misses.Add(1)
	c.evictions.Add(1)
	return victim
}

// scan walks a bucket chain looking for (device, blockNumber). Caller
// must hold the bucket's lock.
func scan(head *Buffer, device, blockNumber uint32) *Buffer {
	for b := head; b != nil; b = b.next {
		if b.device == device && b.blockNumber == blockNumber && (b.refCount > 0 || b.valid) {
			return b
		}
	}
	return nil
}

// selectVictim walks every bucket holding at most one bucket lock at a
// time (plus, transiently, the one it is comparing against), finding
// the globally least-recently-used ref_count==0 buffer. It returns the
// victim, the index of the bucket it currently resides in, and that
// bucket's lock, left locked for the caller to finish the migration
// under. The caller must already hold eviction_lock.
func (c *Cache) selectVictim() (victim *Buffer, victimBucket int, held *spinlock.Lock) {
	var victimPrev *Buffer

	for i := 0; i < c.nbuckets; i++ {
		bl := c.buckets[i].lock
		bl.Lock()

		var localBest, localBestPrev, prev *Buffer
		for cur := c.buckets[i].head; cur != nil; cur = cur.next {
			if cur.refCount == 0 {
				if localBest == nil || cur.lastUse < localBest.lastUse {
					localBest, localBestPrev = cur, prev
				}
			}
			prev = cur
		}

		improves := localBest != nil && (victim == nil || localBest.lastUse < victim.lastUse)
		if improves {
			if held != nil {
				held.Unlock()
			}
			victim, victimPrev, victimBucket, held = localBest, localBestPrev, i, bl
		} else {
			bl.Unlock()
		}
	}

	if victim == nil {
		return nil, 0, nil
	}

	// Unlink from its current chain now, while its bucket lock is held.
	// If the caller ends up leaving the victim in this same bucket
	// (victimBucket == key), it is re-linked at the head by the caller
	// in getBuffer's non-migration path — but since that path never
	// unlinks, unlink unconditionally here and let getBuffer re-insert
	// it at the head of the destination chain in both cases, which
	// keeps the MRU-head convention bio.c uses after migration.
	if victimPrev == nil {
		c.buckets[victimBucket].head = victim.next
	} else {
		victimPrev.next = victim.next
	}
	victim.next = nil
	return victim, victimBucket, held
}
