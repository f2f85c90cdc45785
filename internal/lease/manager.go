// Package lease implements the Lease Manager: the authoritative in-memory
// view of endpoint -> (status, task_id, acquired_at, heartbeat_at), selection
// over candidate proxies, and the background reaper.
package lease

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/proxypool/proxypool/internal/model"
	"github.com/proxypool/proxypool/internal/scanloop"
	"github.com/proxypool/proxypool/internal/store"
	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultReapInterval and DefaultHeartbeatTimeout match spec's defaults
// (every 5 minutes; 30 minute heartbeat staleness), both operator-tunable.
const (
	DefaultReapInterval      = 5 * time.Minute
	DefaultHeartbeatTimeout  = 30 * time.Minute
	deadCleanEveryNCycles    = 6
	purgeZeroEveryNCycles    = 12
)

// entry is the manager's internal, mutable view of one endpoint.
type entry struct {
	Proxy model.Proxy
	Lease model.Lease
}

// Filters narrows an Acquire call.
type Filters struct {
	Protocol       model.Protocol // "" = any
	Region         string         // "cn", "intl", or "" / "all" = no filter
	MinScore       int
	ExcludeProxies map[string]struct{}
}

// Manager holds the coarse-locked authoritative lease state plus secondary
// indices used for acquire selection. All mutation is serialised through mu;
// the xsync maps exist because acquire's read-heavy scan benefits from a
// structure built for concurrent readers even though writers are already
// serialised — the same trade the pool package this is grounded on makes.
type Manager struct {
	mu sync.Mutex

	entries map[string]*entry

	byProtocol *xsync.Map[model.Protocol, []string]
	byRegion   *xsync.Map[string, []string]
	scoreOrder []string // sorted (score desc, insertion order asc)

	store *store.Store

	reapInterval     time.Duration
	heartbeatTimeout time.Duration
	cycle            int
}

// New constructs a Manager from a persisted snapshot (proxies + leases).
func New(st *store.Store, proxies map[string]model.Proxy, leases map[string]model.Lease) *Manager {
	m := &Manager{
		entries:          make(map[string]*entry, len(proxies)),
		byProtocol:       xsync.NewMap[model.Protocol, []string](),
		byRegion:         xsync.NewMap[string, []string](),
		store:            st,
		reapInterval:     DefaultReapInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}

	for endpoint, p := range proxies {
		e := &entry{Proxy: p, Lease: model.Lease{Endpoint: endpoint, Status: model.LeaseIdle}}
		if l, ok := leases[endpoint]; ok {
			e.Lease = l
		}
		m.entries[endpoint] = e
	}

	m.rebuildIndices()
	return m
}

// SetIntervals overrides the reaper cadence; used by config wiring.
func (m *Manager) SetIntervals(reap, heartbeatTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reap > 0 {
		m.reapInterval = reap
	}
	if heartbeatTimeout > 0 {
		m.heartbeatTimeout = heartbeatTimeout
	}
}

// rebuildIndices recomputes byProtocol, byRegion and scoreOrder from
// m.entries. Caller must hold mu.
func (m *Manager) rebuildIndices() {
	byProtocol := make(map[model.Protocol][]string)
	byRegion := make(map[string][]string)
	endpoints := make([]string, 0, len(m.entries))

	for endpoint, e := range m.entries {
		endpoints = append(endpoints, endpoint)
		for _, proto := range e.Proxy.Protocols {
			byProtocol[proto] = append(byProtocol[proto], endpoint)
		}
		if e.Proxy.SupportsCN {
			byRegion["cn"] = append(byRegion["cn"], endpoint)
		}
		if e.Proxy.SupportsIntl {
			byRegion["intl"] = append(byRegion["intl"], endpoint)
		}
	}

	sort.Slice(endpoints, func(i, j int) bool {
		si, sj := m.entries[endpoints[i]].Proxy.Score, m.entries[endpoints[j]].Proxy.Score
		if si != sj {
			return si > sj
		}
		return m.entries[endpoints[i]].Proxy.CreatedAtNs < m.entries[endpoints[j]].Proxy.CreatedAtNs
	})

	// Rebuilt as fresh maps rather than cleared in place: simpler than
	// relying on a Clear method and just as cheap, since a full rebuild
	// already walks every entry.
	newByProtocol := xsync.NewMap[model.Protocol, []string]()
	for proto, list := range byProtocol {
		newByProtocol.Store(proto, list)
	}
	m.byProtocol = newByProtocol

	newByRegion := xsync.NewMap[string, []string]()
	for region, list := range byRegion {
		newByRegion.Store(region, list)
	}
	m.byRegion = newByRegion

	m.scoreOrder = endpoints
}

// Reload replaces the in-memory snapshot from a fresh Store.LoadAll/LoadAllStatus
// pair, serialised with acquires via the same coarse lock (GET /proxy/reload).
func (m *Manager) Reload(proxies map[string]model.Proxy, leases map[string]model.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make(map[string]*entry, len(proxies))
	for endpoint, p := range proxies {
		e := &entry{Proxy: p, Lease: model.Lease{Endpoint: endpoint, Status: model.LeaseIdle}}
		if l, ok := leases[endpoint]; ok {
			e.Lease = l
		}
		entries[endpoint] = e
	}
	m.entries = entries
	m.rebuildIndices()
}

// toSet converts an index lookup result into a membership set; ok=false
// (no such protocol/region known) yields an empty, non-nil set so callers
// that skip the lookup (nil set) stay distinguishable from a known-empty one.
func toSet(list []string, ok bool) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	if !ok {
		return set
	}
	for _, e := range list {
		set[e] = struct{}{}
	}
	return set
}

// ErrNoCandidate signals LeaseExhausted (HTTP 404 at the API layer).
type ErrNoCandidate struct{}

func (ErrNoCandidate) Error() string { return "no candidate proxy available" }

// Acquire selects the first idle endpoint matching filters, in descending
// score order, and flips it to busy. The byProtocol/byRegion indices narrow
// the candidate set before the ordered scan; scoreOrder itself is still
// walked in full to preserve the score-desc, insertion-order tie-break.
func (m *Manager) Acquire(taskID string, filters Filters, nowNs int64) (model.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var protocolSet, regionSet map[string]struct{}
	if filters.Protocol != "" {
		protocolSet = toSet(m.byProtocol.Load(filters.Protocol))
	}
	if filters.Region != "" && filters.Region != "all" {
		regionSet = toSet(m.byRegion.Load(filters.Region))
	}

	for _, endpoint := range m.scoreOrder {
		e, ok := m.entries[endpoint]
		if !ok || e.Lease.Status != model.LeaseIdle {
			continue
		}
		if _, excluded := filters.ExcludeProxies[endpoint]; excluded {
			continue
		}
		if e.Proxy.Score < filters.MinScore {
			continue
		}
		if protocolSet != nil {
			if _, ok := protocolSet[endpoint]; !ok {
				continue
			}
		}
		if regionSet != nil {
			if _, ok := regionSet[endpoint]; !ok {
				continue
			}
		}

		e.Lease = model.Lease{
			Endpoint:      endpoint,
			Status:        model.LeaseBusy,
			TaskID:        taskID,
			AcquiredAtNs:  nowNs,
			HeartbeatAtNs: nowNs,
		}
		m.writeStatus(e.Lease)
		if m.store != nil {
			if err := m.store.RecordUsage(endpoint, nowNs); err != nil {
				log.Printf("[lease] record usage %s: %v", endpoint, err)
			}
		}
		return e.Proxy, nil
	}

	return model.Proxy{}, ErrNoCandidate{}
}

// ErrLeaseMismatch signals the wrong task_id on release/heartbeat.
type ErrLeaseMismatch struct{}

func (ErrLeaseMismatch) Error() string { return "task_id does not match recorded lease" }

// Release transitions busy -> idle (success) or busy -> dead (failure). A
// mismatched task_id still transitions the lease — deliberately: a leaked
// busy slot is worse than accepting a spurious release. The mismatch is
// still reported to the caller as ErrLeaseMismatch so the API can surface
// HTTP 400, per the documented exception.
func (m *Manager) Release(endpoint, taskID string, success bool, nowNs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[endpoint]
	if !ok {
		return ErrNoCandidate{}
	}

	mismatched := e.Lease.TaskID != taskID
	if mismatched {
		log.Printf("[lease] release for %s with mismatched task_id (have %q, got %q); transitioning anyway", endpoint, e.Lease.TaskID, taskID)
	}

	if success {
		e.Lease = model.Lease{Endpoint: endpoint, Status: model.LeaseIdle}
	} else {
		e.Lease = model.Lease{Endpoint: endpoint, Status: model.LeaseDead, TaskID: taskID, HeartbeatAtNs: nowNs}
	}
	m.writeStatus(e.Lease)

	if mismatched {
		return ErrLeaseMismatch{}
	}
	return nil
}

// Heartbeat updates heartbeat_at iff task_id matches; mismatch is a no-op
// failure, not a forced transition (unlike Release).
func (m *Manager) Heartbeat(endpoint, taskID string, nowNs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[endpoint]
	if !ok {
		return ErrNoCandidate{}
	}
	if e.Lease.Status != model.LeaseBusy || e.Lease.TaskID != taskID {
		return ErrLeaseMismatch{}
	}
	e.Lease.HeartbeatAtNs = nowNs
	m.writeStatus(e.Lease)
	return nil
}

// Get returns the current proxy+lease for an endpoint, if known.
func (m *Manager) Get(endpoint string) (model.Proxy, model.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[endpoint]
	if !ok {
		return model.Proxy{}, model.Lease{}, false
	}
	return e.Proxy, e.Lease, true
}

// UpdateScored merges a freshly-scored record back in, rebuilding indices.
// Called by the Batch Runner after each completion.
func (m *Manager) UpdateScored(p model.Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[p.Endpoint]
	if !ok {
		m.entries[p.Endpoint] = &entry{Proxy: p, Lease: model.Lease{Endpoint: p.Endpoint, Status: model.LeaseIdle}}
	} else {
		e.Proxy = p
	}
	m.rebuildIndices()
}

// Stats returns totals and per-status counts for GET /proxy/stats.
type Stats struct {
	Total int
	Idle  int
	Busy  int
	Dead  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Total = len(m.entries)
	for _, e := range m.entries {
		switch e.Lease.Status {
		case model.LeaseIdle:
			s.Idle++
		case model.LeaseBusy:
			s.Busy++
		case model.LeaseDead:
			s.Dead++
		}
	}
	return s
}

// writeStatus is the write-behind path: storage errors are logged, never
// propagated, because the in-memory state (already mutated by the caller)
// is authoritative for lease status per the Store's documented failure
// policy.
func (m *Manager) writeStatus(l model.Lease) {
	if m.store == nil {
		return
	}
	if err := m.store.SetStatus(l); err != nil {
		log.Printf("[lease] write-behind status update for %s failed: %v", l.Endpoint, err)
	}
}

// RunReaper starts the jittered periodic reaper loop, ticking every
// reapInterval plus up to scanloop.DefaultJitterRange; blocks until stopCh
// closes.
func (m *Manager) RunReaper(stopCh <-chan struct{}, nowNs func() int64) {
	m.mu.Lock()
	interval := m.reapInterval
	m.mu.Unlock()
	scanloop.Run(stopCh, interval, scanloop.DefaultJitterRange, func() {
		m.reapOnce(nowNs())
	})
}

func (m *Manager) reapOnce(nowNs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycle++

	staleBefore := nowNs - m.heartbeatTimeout.Nanoseconds()
	for endpoint, e := range m.entries {
		if e.Lease.Status == model.LeaseBusy && e.Lease.HeartbeatAtNs < staleBefore {
			log.Printf("[lease] reaping stale busy lease for %s (last heartbeat too old)", endpoint)
			e.Lease = model.Lease{Endpoint: endpoint, Status: model.LeaseDead, TaskID: e.Lease.TaskID, HeartbeatAtNs: nowNs}
			m.writeStatus(e.Lease)
		}
	}

	if m.cycle%deadCleanEveryNCycles == 0 {
		m.cleanDeadLocked()
	}
	if m.cycle%purgeZeroEveryNCycles == 0 && m.store != nil {
		if n, err := m.store.PurgeZero(); err != nil {
			log.Printf("[lease] purge_zero failed: %v", err)
		} else if n > 0 {
			log.Printf("[lease] purge_zero removed %d zero-score records", n)
		}
	}
}

// cleanDeadLocked removes every dead lease from the in-memory view. A dead
// endpoint stays unrevivable until operator intervention (reload, or a score
// adjustment from a validation batch) — it is never reset back to idle here,
// regardless of score. The durable proxy row in the store is left alone when
// score > 0; only the lease-status row is dropped. Caller must hold mu.
func (m *Manager) cleanDeadLocked() {
	removed := 0
	for endpoint, e := range m.entries {
		if e.Lease.Status != model.LeaseDead {
			continue
		}
		if m.store != nil {
			if err := m.store.DeleteStatus(endpoint); err != nil {
				log.Printf("[lease] delete status %s: %v", endpoint, err)
			}
		}
		delete(m.entries, endpoint)
		removed++
	}
	if removed > 0 {
		m.rebuildIndices()
	}
}
