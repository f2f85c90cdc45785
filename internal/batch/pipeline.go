package batch

import (
	"context"
	"log"
	"time"

	"github.com/proxypool/proxypool/internal/lease"
	"github.com/proxypool/proxypool/internal/model"
	"github.com/proxypool/proxypool/internal/probe"
	"github.com/proxypool/proxypool/internal/scoring"
	"github.com/proxypool/proxypool/internal/store"
)

// Pipeline wires the Batch Runner, Checkpoint Manager, Prober and Scoring
// Engine together for one batch kind. Every Store write goes through here,
// not through the caller, so that checkpoint rewrite and the Store/Lease
// Manager update happen atomically with respect to each completion.
type Pipeline struct {
	Prober      *probe.Prober
	Store       *store.Store
	Manager     *lease.Manager
	MaxScore    int
	Concurrency int
	CheckDir    string
	CheckFiles  map[Kind]string
}

// Candidate is one endpoint entering the batch, with whatever Proxy Record
// already exists (zero value for brand-new candidates).
type Candidate struct {
	Endpoint string
	Current  model.Proxy
	Proto    model.Protocol
}

// Run drives kind over candidates, persisting after each completion and
// honouring stopCh per the cancellation contract: the set of endpoints
// present in the returned map is exactly those whose probe(s) completed
// before cancellation was observed.
func (pl *Pipeline) Run(ctx context.Context, kind Kind, candidates []Candidate, headCell string, stopCh <-chan struct{}) (map[string]model.Proxy, error) {
	endpoints := make([]string, len(candidates))
	byEndpoint := make(map[string]Candidate, len(candidates))
	for i, c := range candidates {
		endpoints[i] = c.Endpoint
		byEndpoint[c.Endpoint] = c
	}

	var cp *Checkpoint
	remaining := endpoints
	if loaded, rem, ok, err := Load(pl.CheckDir, pl.CheckFiles, kind); err != nil {
		log.Printf("[batch] checkpoint load for %s failed: %v", kind, err)
	} else if ok {
		cp = loaded
		remaining = filterLive(kind, rem, pl.Store)
		log.Printf("[batch] resuming %s batch: %d of %d endpoints remaining", kind, len(remaining), cp.OriginalCount())
	}
	if cp == nil {
		started, err := Start(pl.CheckDir, pl.CheckFiles, kind, headCell, endpoints)
		if err != nil {
			return nil, err
		}
		cp = started
		remaining = endpoints
	}

	remainingSet := make(map[string]struct{}, len(remaining))
	for _, e := range remaining {
		remainingSet[e] = struct{}{}
	}

	var tasks []Task
	for _, e := range endpoints {
		if _, ok := remainingSet[e]; !ok {
			continue
		}
		c := byEndpoint[e]
		tasks = append(tasks, Task{
			Endpoint: e,
			Run:      func() (any, error) { return pl.probeOne(ctx, kind, c), nil },
		})
	}

	results := make(map[string]model.Proxy, len(tasks))
	remainingNow := make(map[string]struct{}, len(remainingSet))
	for e := range remainingSet {
		remainingNow[e] = struct{}{}
	}

	runner := &Runner{Concurrency: pl.Concurrency}
	runner.Run(tasks, stopCh, func(r Result) {
		delete(remainingNow, r.Endpoint)
		if r.Err != nil {
			log.Printf("[batch] %s probe for %s failed: %v", kind, r.Endpoint, r.Err)
		} else if p, ok := r.Value.(model.Proxy); ok {
			results[r.Endpoint] = p
			pl.persist(p)
		}

		left := make([]string, 0, len(remainingNow))
		for e := range remainingNow {
			left = append(left, e)
		}
		if err := cp.Rewrite(left); err != nil {
			log.Printf("[batch] checkpoint rewrite for %s failed: %v", kind, err)
		}
	})

	select {
	case <-stopCh:
		return results, nil
	default:
	}
	if err := cp.Delete(); err != nil {
		log.Printf("[batch] checkpoint delete for %s failed: %v", kind, err)
	}
	return results, nil
}

func (pl *Pipeline) persist(p model.Proxy) {
	if pl.Manager != nil {
		pl.Manager.UpdateScored(p)
	}
	if pl.Store != nil {
		if err := pl.Store.Upsert([]model.Proxy{p}); err != nil {
			log.Printf("[batch] store upsert for %s failed: %v", p.Endpoint, err)
		}
	}
}

// probeOne runs the probe set appropriate to kind and returns the rescored
// Proxy Record.
func (pl *Pipeline) probeOne(ctx context.Context, kind Kind, c Candidate) model.Proxy {
	now := time.Now().UnixNano()
	var bundle model.ProbeBundle

	switch kind {
	case KindBrowser:
		ok, latencyMs, errSummary := pl.Prober.P5(ctx, c.Endpoint, c.Proto, "")
		bundle.RanP5 = true
		bundle.Browser = model.Browser{Valid: boolToTri(ok), CheckedAt: now, LatencyMs: latencyMs}
		bundle.BrowserErr = errSummary

	case KindSecurity:
		bundle.RanP6 = true
		bundle.Security = pl.Prober.P6(ctx, c.Endpoint, c.Proto, now)
		if !probe.SecurityPassed(bundle.Security) {
			log.Printf("[batch] security checks for %s did not reach the 80%% pass threshold: %+v", c.Endpoint, bundle.Security)
		}

	default: // crawl, load, existing
		cn, intl := pl.Prober.P2(ctx, c.Endpoint, c.Proto)
		bundle.RanP2 = true
		bundle.CN, bundle.Intl = cn, intl

		// P3/P4 probe through whichever protocol P2 actually detected, not
		// the raw input hint — the hint may be "auto", and even a concrete
		// hint can differ from what P2 found to work.
		detected := cn.DetectedProtocol
		if !cn.OK && intl.OK {
			detected = intl.DetectedProtocol
		}

		anySuccess := cn.OK || intl.OK
		if ctx.Err() == nil {
			checkOK, transparent, observedIP := pl.Prober.P3(ctx, c.Endpoint, detected, anySuccess)
			bundle.RanP3 = true
			bundle.AnonymityOK, bundle.Transparent, bundle.ObservedIP = checkOK, transparent, observedIP

			if ctx.Err() == nil && c.Current.Location.IsUnknown() {
				bundle.RanP4 = true
				bundle.Location = pl.Prober.P4(ctx, c.Endpoint, detected, observedIP)
			}
		}
	}

	var currentPtr *model.Proxy
	if c.Current.Endpoint != "" {
		current := c.Current
		currentPtr = &current
	}
	return scoring.Apply(currentPtr, c.Endpoint, bundle, pl.MaxScore)
}

func boolToTri(ok bool) model.TriState {
	if ok {
		return model.True
	}
	return model.False
}

// filterLive drops checkpoint entries whose Proxy Record no longer exists
// or has been zero-scored, per the startup-resume contract. Crawl/load
// candidates were never in the Store to begin with, so no presence filter
// applies to them; only kinds that refine existing records (existing,
// browser, security) are filtered.
func filterLive(kind Kind, remaining []string, st *store.Store) []string {
	if st == nil || kind == KindCrawl || kind == KindLoad {
		return remaining
	}
	live := make([]string, 0, len(remaining))
	for _, e := range remaining {
		if p, ok, err := st.Get(e); err == nil && ok && p.Score > 0 {
			live = append(live, e)
		}
	}
	return live
}
