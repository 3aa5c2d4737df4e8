package shardkv

import (
    "container/heap"
    "sync"
    "sync/atomic"
    "time"
)

// Options tunes a Store.
type Options struct {
    Shards    int  // number of shards (default 256)
    CopyOnSet bool // copy []byte on Set (safe default)
    CopyOnGet bool // copy []byte on Get (safe default)
    MaxBytes  uint64 // hard cap on total value bytes (0 = unlimited)
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Shards <= 0 {
        res.Shards = 256
    }
    if !res.CopyOnSet {
        res.CopyOnSet = true
    }
    if !res.CopyOnGet {
        res.CopyOnGet = true
    }
    return res
}

// Store is a sharded in-memory key/value store with per-key TTL.
// Reads and writes on different shards never contend; a write to one key
// never blocks operations on keys in other shards.
type Store struct {
    opts    Options
    shards  []shard
    expq    *expQueue
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn    func() time.Time
    itemPool sync.Pool // for expItem

    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
    mUpdates atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = no expiry
}

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:     opts,
        shards:   make([]shard, opts.Shards),
        expq:     &expQueue{},
        closeCh:  make(chan struct{}),
        nowFn:    time.Now,
        itemPool: sync.Pool{New: func() any { return &expItem{} }},
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry, 64)
    }
    heap.Init(s.expq)
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the background expirer and waits for it.
func (s *Store) Close() {
    close(s.closeCh)
    s.expq.Lock()
    if s.expq.cond != nil {
        s.expq.cond.Broadcast()
    }
    s.expq.Unlock()
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a 64
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) copyIfNeeded(b []byte, doCopy bool) []byte {
    if !doCopy {
        return b
    }
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

func (s *Store) tryAddBytes(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        next := cur + delta
        if next > s.opts.MaxBytes {
            return false
        }
        if s.mBytes.CompareAndSwap(cur, next) {
            return true
        }
    }
}

func (s *Store) addBytesDelta(delta int64) {
    if delta == 0 {
        return
    }
    for {
        cur := s.mBytes.Load()
        var next uint64
        if delta > 0 {
            next = cur + uint64(delta)
        } else {
            sub := uint64(-delta)
            if sub > cur {
                next = 0
            } else {
                next = cur - sub
            }
        }
        if s.mBytes.CompareAndSwap(cur, next) {
            return
        }
    }
}

// Set stores a value. Returns true when the key was created (not overwritten).
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    now := s.nowFn()
    expAt := int64(0)
    if ttl > 0 {
        expAt = now.Add(ttl).UnixNano()
    }
    v := s.copyIfNeeded(val, s.opts.CopyOnSet)

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    oldLen := 0
    if existed {
        oldLen = len(prev.val)
    }
    delta := len(v) - oldLen
    if delta > 0 {
        if !s.tryAddBytes(uint64(delta)) {
            sh.mu.Unlock()
            return false
        }
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    if !existed {
        s.mKeys.Add(1)
    } else if delta < 0 {
        s.addBytesDelta(int64(delta))
    }
    s.mSets.Add(1)

    if expAt != 0 {
        s.enqueueExpire(key, expAt)
    }
    sh.mu.Unlock()
    return !existed
}

// Get returns the value and whether it exists.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.RUnlock()
        s.mGets.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    exp := e.expireAt
    val := e.val
    sh.mu.RUnlock()

    if exp != 0 && exp <= s.nowFn().UnixNano() {
        // lazy deletion, accounted as expiry
        sh.mu.Lock()
        if e2, ok2 := sh.m[key]; ok2 && e2.expireAt != 0 && e2.expireAt <= s.nowFn().UnixNano() {
            delete(sh.m, key)
            s.mExpired.Add(1)
            s.mKeys.Add(^uint64(0))
            s.addBytesDelta(int64(-len(e2.val)))
        }
        sh.mu.Unlock()
        s.mGets.Add(1)
        s.mMisses.Add(1)
        return nil, false
    }
    s.mGets.Add(1)
    s.mHits.Add(1)
    if s.opts.CopyOnGet {
        out := make([]byte, len(val))
        copy(out, val)
        return out, true
    }
    return val, true
}

// Update applies a modifier function when the key exists and has not expired.
// Returns true when the update happened.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
    sh := s.shardFor(key)
    now := s.nowFn().UnixNano()
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    if e.expireAt != 0 && e.expireAt <= now {
        delete(sh.m, key)
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
        s.addBytesDelta(int64(-len(e.val)))
        return false
    }
    oldLen := len(e.val)
    newVal := fn(e.val)
    delta := len(newVal) - oldLen
    if delta > 0 {
        if !s.tryAddBytes(uint64(delta)) {
            return false
        }
    }
    if s.opts.CopyOnSet {
        buf := make([]byte, len(newVal))
        copy(buf, newVal)
        e.val = buf
    } else {
        e.val = newVal
    }
    if delta < 0 {
        s.addBytesDelta(int64(delta))
    }
    s.mUpdates.Add(1)
    return true
}

func (s *Store) Exists(key string) bool {
    _, ok := s.Get(key)
    return ok
}

func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok {
        delete(sh.m, key)
    }
    sh.mu.Unlock()
    if ok {
        s.mDels.Add(1)
        s.mKeys.Add(^uint64(0))
        if e != nil {
            s.addBytesDelta(int64(-len(e.val)))
        }
    }
    return ok
}

// Expire sets a TTL. Returns false when the key is missing or already expired.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    if ttl <= 0 {
        return s.Delete(key)
    }
    exp := s.nowFn().Add(ttl).UnixNano()

    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    if e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
        delete(sh.m, key)
        s.mExpired.Add(1)
        s.mKeys.Add(^uint64(0))
        s.addBytesDelta(int64(-len(e.val)))
        return false
    }
    e.expireAt = exp
    s.enqueueExpire(key, exp)
    return true
}

// TTL returns the remaining lifetime and whether the key exists.
// A key with no TTL reports duration=0 and ok=true.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.RUnlock()
        return 0, false
    }
    exp := e.expireAt
    sh.mu.RUnlock()

    if exp == 0 {
        return 0, true
    }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.Delete(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Range calls fn for each live key until fn returns false. The snapshot is
// per-shard: keys added or removed concurrently in other shards may or may not
// be observed. Values are copied when CopyOnGet is set.
func (s *Store) Range(fn func(key string, val []byte) bool) {
    now := s.nowFn().UnixNano()
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        type kv struct {
            k string
            v []byte
        }
        snap := make([]kv, 0, len(sh.m))
        for k, e := range sh.m {
            if e.expireAt != 0 && e.expireAt <= now {
                continue
            }
            snap = append(snap, kv{k, s.copyIfNeeded(e.val, s.opts.CopyOnGet)})
        }
        sh.mu.RUnlock()
        for _, p := range snap {
            if !fn(p.k, p.v) {
                return
            }
        }
    }
}

// Stats is a metrics snapshot. Taking it does not block store operations.
type Stats struct {
    Keys    uint64
    Bytes   uint64
    Sets    uint64
    Gets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
    Updates uint64
}

// Metrics returns an instantaneous metrics snapshot.
func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
        Updates: s.mUpdates.Load(),
    }
}

// ---- expiry queue ----

type expItem struct {
    when  int64
    key   string
    index int
}

type expQueue struct {
    sync.Mutex
    cond  *sync.Cond
    items []*expItem
}

func (q *expQueue) Len() int           { return len(q.items) }
func (q *expQueue) Less(i, j int) bool { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int) {
    q.items[i], q.items[j] = q.items[j], q.items[i]
    q.items[i].index = i
    q.items[j].index = j
}
func (q *expQueue) Push(x any) {
    it := x.(*expItem)
    it.index = len(q.items)
    q.items = append(q.items, it)
}
func (q *expQueue) Pop() any {
    old := q.items
    n := len(old)
    it := old[n-1]
    old[n-1] = nil
    it.index = -1
    q.items = old[:n-1]
    return it
}

func (s *Store) enqueueExpire(key string, when int64) {
    it := s.itemPool.Get().(*expItem)
    it.key = key
    it.when = when
    it.index = -1
    s.expq.Lock()
    if s.expq.cond == nil {
        s.expq.cond = sync.NewCond(s.expq)
    }
    heap.Push(s.expq, it)
    s.expq.cond.Broadcast()
    s.expq.Unlock()
}

func (s *Store) expirer() {
    defer s.wg.Done()
    for {
        s.expq.Lock()
        for s.expq.Len() == 0 {
            if s.expq.cond == nil {
                s.expq.cond = sync.NewCond(s.expq)
            }
            if s.isClosed() {
                s.expq.Unlock()
                return
            }
            s.expq.cond.Wait()
            if s.isClosed() {
                s.expq.Unlock()
                return
            }
        }
        it := s.expq.items[0]
        now := s.nowFn().UnixNano()
        if it.when > now {
            // sleep until the nearest deadline or wakeup
            d := time.Duration(it.when - now)
            timer := time.NewTimer(d)
            s.expq.Unlock()

            select {
            case <-timer.C:
            case <-s.closeCh:
                timer.Stop()
                return
            }
            continue
        }
        heap.Pop(s.expq)
        s.expq.Unlock()

        // Re-check under the shard lock: the key may have been re-set since.
        sh := s.shardFor(it.key)
        nowN := s.nowFn().UnixNano()
        sh.mu.Lock()
        e := sh.m[it.key]
        if e != nil && e.expireAt != 0 && e.expireAt <= nowN {
            delete(sh.m, it.key)
            s.mExpired.Add(1)
            s.mKeys.Add(^uint64(0))
            s.addBytesDelta(int64(-len(e.val)))
        }
        sh.mu.Unlock()

        it.key = ""
        it.when = 0
        it.index = -1
        s.itemPool.Put(it)
    }
}

func (s *Store) isClosed() bool {
    select {
    case <-s.closeCh:
        return true
    default:
        return false
    }
}
