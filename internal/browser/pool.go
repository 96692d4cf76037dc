package browser

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

// InstanceState is the pool's view of one browser process.
type InstanceState string

const (
	StateStarting    InstanceState = "STARTING"
	StateIdle        InstanceState = "IDLE"
	StateInUse       InstanceState = "IN_USE"
	StateUnhealthy   InstanceState = "UNHEALTHY"
	StateTerminating InstanceState = "TERMINATING"
)

const (
	// softFailThreshold consecutive probe failures mark an instance
	// unhealthy; a single hard failure (crash) does so immediately.
	softFailThreshold = 3

	healthProbeTimeout  = 5 * time.Second
	instanceCloseWindow = 10 * time.Second
)

// entry tracks one browser instance. All fields are guarded by Pool.mu
// except inst, key, and createdAt, which are immutable after creation.
type entry struct {
	inst      Instance
	key       string
	createdAt time.Time

	state     InstanceState
	idleSince time.Time
	leases    map[string]*Lease
	contexts  map[string]struct{}
	softFails int
}

// Lease is a one-shot ticket for a browser instance. Releasing it returns
// the instance to the pool; Release is idempotent.
type Lease struct {
	id        string
	contextID string
	pool      *Pool
	ent       *entry
	released  atomic.Bool
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// ContextID returns the context this lease was acquired for.
func (l *Lease) ContextID() string { return l.contextID }

// Instance returns the leased browser.
func (l *Lease) Instance() Instance { return l.ent.inst }

// InstanceID returns the leased browser's identifier.
func (l *Lease) InstanceID() string { return l.ent.inst.ID() }

// Release returns the browser to the pool. Safe to call more than once.
func (l *Lease) Release() {
	if l.released.Swap(true) {
		return
	}
	l.pool.release(l)
}

// AcquireRequest describes what a context needs from the pool.
type AcquireRequest struct {
	ContextID string
	// ProxyURL, when set, requires an instance launched with that proxy.
	ProxyURL string
}

type waiter struct {
	key       string
	contextID string
	ch        chan *Lease // buffered 1
}

// Pool owns a bounded set of browser processes and leases them to contexts.
//
// Lock ordering: mu guards entries, waiters, and launch accounting. Never
// hold mu across driver calls; launching and termination happen outside it.
type Pool struct {
	cfg    *config.Config
	driver Driver
	bus    *events.Bus

	mu        sync.Mutex
	entries   map[string]*entry
	waiters   []*waiter
	launching int
	closed    bool

	detachFn func(contextIDs []string)

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup

	acquired       atomic.Int64
	releasedN      atomic.Int64
	replaced       atomic.Int64
	crashes        atomic.Int64
	launchFailures atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool state and counters.
type PoolStats struct {
	Capacity       int   `json:"capacity"`
	Idle           int   `json:"idle"`
	InUse          int   `json:"inUse"`
	Starting       int   `json:"starting"`
	Unhealthy      int   `json:"unhealthy"`
	Waiters        int   `json:"waiters"`
	Acquired       int64 `json:"acquired"`
	Released       int64 `json:"released"`
	Replaced       int64 `json:"replaced"`
	Crashes        int64 `json:"crashes"`
	LaunchFailures int64 `json:"launchFailures"`
}

// NewPool creates a pool and pre-warms it to the configured minimum. It
// blocks until the minimum is ready or a launch exhausts its retries.
func NewPool(cfg *config.Config, driver Driver, bus *events.Bus) (*Pool, error) {
	log.Info().
		Int("min", cfg.PoolMin).
		Int("max", cfg.PoolMax).
		Int("target_idle", cfg.PoolTargetIdle).
		Bool("headless", cfg.Headless).
		Msg("Initializing browser pool")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		driver:     driver,
		bus:        bus,
		entries:    make(map[string]*entry),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     make(chan struct{}),
	}

	opts := p.launchOptions("")
	for i := 0; i < cfg.PoolMin; i++ {
		inst, err := p.launchWithRetry(rootCtx, opts)
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("Failed to pre-warm browser pool")
			_ = p.Shutdown(context.Background())
			return nil, err
		}
		p.addInstance(inst, opts.Key())
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	log.Info().Int("pre_warmed", cfg.PoolMin).Msg("Browser pool initialized")
	return p, nil
}

// SetDetachFunc registers the callback invoked (outside the pool lock) with
// the context ids detached from a crashed or drained instance. The registry
// uses it to mark those contexts RECOVERING.
func (p *Pool) SetDetachFunc(fn func(contextIDs []string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachFn = fn
}

func (p *Pool) launchOptions(proxyURL string) LaunchOptions {
	return LaunchOptions{
		Headless:         p.cfg.Headless,
		BrowserPath:      p.cfg.BrowserPath,
		ProxyURL:         proxyURL,
		IgnoreCertErrors: p.cfg.IgnoreCertErrors,
	}
}

// Acquire obtains a lease, preferring an idle instance with a matching
// configuration, launching a new one while below the maximum, and otherwise
// parking in the FIFO waiter queue until the acquire deadline.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	opts := p.launchOptions(req.ProxyURL)
	key := opts.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.E(types.KindInternal, "pool.Acquire", types.ErrPoolClosed)
	}

	if lease := p.matchLocked(key, req.ContextID); lease != nil {
		p.mu.Unlock()
		metrics.BrowserAcquisitions.Inc()
		return lease, nil
	}

	if p.capacityLocked() < p.cfg.PoolMax {
		p.launching++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.launchAndAdd(opts)
		}()
	}

	if len(p.waiters) >= p.cfg.WaiterQueueBound {
		p.mu.Unlock()
		log.Warn().Int("bound", p.cfg.WaiterQueueBound).Msg("Waiter queue full, rejecting acquire")
		return nil, types.E(types.KindResourceExhausted, "pool.Acquire", types.ErrPoolExhausted)
	}

	w := &waiter{key: key, contextID: req.ContextID, ch: make(chan *Lease, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case lease := <-w.ch:
		if lease == nil {
			return nil, types.E(types.KindInternal, "pool.Acquire", types.ErrLaunchFailed)
		}
		metrics.BrowserAcquisitions.Inc()
		return lease, nil

	case <-ctx.Done():
		if lease := p.cancelWaiter(w); lease != nil {
			lease.Release()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.E(types.KindResourceExhausted, "pool.Acquire", types.ErrAcquireTimeout)
		}
		return nil, types.E(types.KindCanceled, "pool.Acquire", types.ErrCanceled)

	case <-timer.C:
		if lease := p.cancelWaiter(w); lease != nil {
			metrics.BrowserAcquisitions.Inc()
			return lease, nil
		}
		return nil, types.E(types.KindResourceExhausted, "pool.Acquire", types.ErrAcquireTimeout)

	case <-p.stopCh:
		if lease := p.cancelWaiter(w); lease != nil {
			lease.Release()
		}
		return nil, types.E(types.KindInternal, "pool.Acquire", types.ErrPoolClosed)
	}
}

// capacityLocked counts instances that consume a capacity slot.
func (p *Pool) capacityLocked() int {
	n := p.launching
	for _, ent := range p.entries {
		if ent.state != StateTerminating {
			n++
		}
	}
	return n
}

// matchLocked finds an idle instance with a matching configuration key.
// Leases are exclusive; a busy instance is never shared across contexts.
func (p *Pool) matchLocked(key, contextID string) *Lease {
	for _, ent := range p.entries {
		if ent.key == key && ent.state == StateIdle {
			return p.grantLocked(ent, contextID)
		}
	}
	return nil
}

func (p *Pool) grantLocked(ent *entry, contextID string) *Lease {
	lease := &Lease{
		id:        uuid.NewString(),
		contextID: contextID,
		pool:      p,
		ent:       ent,
	}
	ent.leases[lease.id] = lease
	if contextID != "" {
		ent.contexts[contextID] = struct{}{}
	}
	ent.state = StateInUse
	p.acquired.Add(1)
	return lease
}

// dispatchLocked hands an entry that just became idle to the first
// compatible waiter in FIFO order.
func (p *Pool) dispatchLocked(ent *entry) {
	if p.closed || ent.state != StateIdle {
		return
	}
	for i, w := range p.waiters {
		if w.key == ent.key {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.ch <- p.grantLocked(ent, w.contextID)
			return
		}
	}
}

// cancelWaiter removes w from the queue. If a lease was granted
// concurrently it is returned so the caller can use or release it.
func (p *Pool) cancelWaiter(w *waiter) *Lease {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case lease := <-w.ch:
		return lease
	default:
		return nil
	}
}

func (p *Pool) release(l *Lease) {
	p.releasedN.Add(1)

	p.mu.Lock()
	ent := l.ent
	delete(ent.leases, l.id)
	if l.contextID != "" {
		delete(ent.contexts, l.contextID)
	}

	// Entry already removed by crash handling; nothing more to do.
	if p.entries[ent.inst.ID()] != ent {
		p.mu.Unlock()
		return
	}

	switch ent.state {
	case StateUnhealthy:
		if len(ent.leases) == 0 {
			delete(p.entries, ent.inst.ID())
			ent.state = StateTerminating
			p.mu.Unlock()
			p.terminateAndReplace(ent, "unhealthy instance drained")
			return
		}
	case StateInUse:
		if len(ent.leases) == 0 {
			ent.state = StateIdle
			ent.idleSince = time.Now()
		}
		p.dispatchLocked(ent)
	}
	p.mu.Unlock()
}

// ReportCrash tells the pool an instance died mid-action. All assigned
// contexts are detached for recovery and a replacement is launched.
func (p *Pool) ReportCrash(instanceID, reason string) {
	p.mu.Lock()
	ent, ok := p.entries[instanceID]
	if !ok || ent.state == StateTerminating {
		p.mu.Unlock()
		return
	}
	ent.state = StateTerminating
	delete(p.entries, instanceID)
	ctxIDs := make([]string, 0, len(ent.contexts))
	for id := range ent.contexts {
		ctxIDs = append(ctxIDs, id)
	}
	ent.contexts = make(map[string]struct{})
	detach := p.detachFn
	p.mu.Unlock()

	p.crashes.Add(1)
	metrics.BrowserCrashes.Inc()
	log.Warn().
		Str("instance_id", instanceID).
		Str("reason", reason).
		Int("detached_contexts", len(ctxIDs)).
		Msg("Browser crash reported")

	if detach != nil && len(ctxIDs) > 0 {
		detach(ctxIDs)
	}
	p.bus.Publish(events.TopicBrowserCrashed, "internal", map[string]any{
		"instance_id": instanceID,
		"reason":      reason,
		"contexts":    ctxIDs,
	})

	p.terminateAndReplace(ent, reason)
}

// launchWithRetry launches with exponential backoff up to the configured
// retry cap.
func (p *Pool) launchWithRetry(ctx context.Context, opts LaunchOptions) (Instance, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.LaunchMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.LaunchRetryBackoff << (attempt - 1)
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying browser launch")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, types.E(types.KindCanceled, "pool.launch", ctx.Err())
			}
		}
		inst, err := p.driver.Launch(ctx, opts)
		if err == nil {
			return inst, nil
		}
		lastErr = err
	}
	p.launchFailures.Add(1)
	return nil, lastErr
}

// addInstance registers a freshly launched instance as idle.
func (p *Pool) addInstance(inst Instance, key string) {
	now := time.Now()
	ent := &entry{
		inst:      inst,
		key:       key,
		createdAt: now,
		state:     StateIdle,
		idleSince: now,
		leases:    make(map[string]*Lease),
		contexts:  make(map[string]struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = inst.Close()
		return
	}
	p.entries[inst.ID()] = ent
	p.dispatchLocked(ent)
	p.mu.Unlock()

	p.bus.Publish(events.TopicBrowserLaunched, "internal", map[string]any{
		"instance_id": inst.ID(),
	})
}

func (p *Pool) launchAndAdd(opts LaunchOptions) {
	inst, err := p.launchWithRetry(p.rootCtx, opts)

	p.mu.Lock()
	p.launching--
	p.mu.Unlock()

	if err != nil {
		// Fail one parked acquire rather than letting it sit out its
		// full deadline for an instance that will never arrive.
		p.mu.Lock()
		for i, w := range p.waiters {
			if w.key == opts.Key() {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				w.ch <- nil
				break
			}
		}
		p.mu.Unlock()
		log.Error().Err(err).Msg("Browser launch failed")
		return
	}
	p.addInstance(inst, opts.Key())
}

// terminateAndReplace closes a removed instance and launches a replacement
// when demand warrants one. The entry must already be out of p.entries.
func (p *Pool) terminateAndReplace(ent *entry, reason string) {
	p.closeInstance(ent.inst)
	p.replaced.Add(1)
	metrics.BrowserReplacements.Inc()

	p.bus.Publish(events.TopicBrowserTerminated, "internal", map[string]any{
		"instance_id": ent.inst.ID(),
		"reason":      reason,
	})

	p.mu.Lock()
	need := !p.closed &&
		(p.capacityLocked() < p.cfg.PoolMin || len(p.waiters) > 0) &&
		p.capacityLocked() < p.cfg.PoolMax
	if need {
		p.launching++
		p.wg.Add(1)
		opts := p.launchOptions(proxyFromKey(ent.key))
		go func() {
			defer p.wg.Done()
			p.launchAndAdd(opts)
		}()
	}
	p.mu.Unlock()

	if need {
		p.bus.Publish(events.TopicBrowserReplaced, "internal", map[string]any{
			"instance_id": ent.inst.ID(),
		})
	}
}

// proxyFromKey recovers the proxy URL from a configuration key so a
// replacement keeps serving the same waiters.
func proxyFromKey(key string) string {
	const marker = "|proxy="
	if i := strings.Index(key, marker); i >= 0 {
		return key[i+len(marker):]
	}
	return ""
}

// closeInstance closes with a bounded wait; a hung close is abandoned
// rather than blocking pool maintenance.
func (p *Pool) closeInstance(inst Instance) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := inst.Close(); err != nil {
			log.Warn().Err(err).Str("instance_id", inst.ID()).Msg("Error closing browser")
		}
	}()
	select {
	case <-done:
	case <-time.After(instanceCloseWindow):
		log.Warn().Str("instance_id", inst.ID()).Msg("Browser close timed out, abandoning")
	}
}

// healthLoop probes instances, drains unhealthy ones, trims excess idle
// capacity, and replenishes below the minimum.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Pool health loop stopping")
			return
		case <-ticker.C:
			p.runHealthPass()
		}
	}
}

func (p *Pool) runHealthPass() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	probeTargets := make([]*entry, 0, len(p.entries))
	for _, ent := range p.entries {
		if ent.state == StateIdle || ent.state == StateInUse {
			probeTargets = append(probeTargets, ent)
		}
	}
	p.mu.Unlock()

	for _, ent := range probeTargets {
		ctx, cancel := context.WithTimeout(p.rootCtx, healthProbeTimeout)
		err := ent.inst.Healthy(ctx)
		cancel()
		p.recordProbe(ent, err)
	}

	p.trimIdle()
	p.replenish()
	p.publishGauges()
}

func (p *Pool) recordProbe(ent *entry, err error) {
	p.mu.Lock()
	if p.entries[ent.inst.ID()] != ent || ent.state == StateUnhealthy || ent.state == StateTerminating {
		p.mu.Unlock()
		return
	}
	if err == nil {
		ent.softFails = 0
		p.mu.Unlock()
		return
	}

	hard := types.KindOf(err) == types.KindBrowserCrashed
	ent.softFails++
	unhealthy := hard || ent.softFails >= softFailThreshold
	if !unhealthy {
		p.mu.Unlock()
		log.Warn().
			Str("instance_id", ent.inst.ID()).
			Int("consecutive_failures", ent.softFails).
			Err(err).
			Msg("Browser health probe failed")
		return
	}

	ent.state = StateUnhealthy
	hasLeases := len(ent.leases) > 0
	if !hasLeases {
		delete(p.entries, ent.inst.ID())
		ent.state = StateTerminating
	}
	p.mu.Unlock()

	log.Warn().
		Str("instance_id", ent.inst.ID()).
		Bool("hard_failure", hard).
		Bool("draining", hasLeases).
		Msg("Browser marked unhealthy")
	p.bus.Publish(events.TopicBrowserUnhealthy, "internal", map[string]any{
		"instance_id": ent.inst.ID(),
		"hard":        hard,
	})

	if hasLeases {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.drainUnhealthy(ent)
		}()
	} else {
		p.terminateAndReplace(ent, "health check failed")
	}
}

// drainUnhealthy lets active leases finish within the drain window, then
// force-terminates and detaches whatever remains.
func (p *Pool) drainUnhealthy(ent *entry) {
	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			p.mu.Lock()
			if p.entries[ent.inst.ID()] != ent {
				// Release path or crash handling finished the job.
				p.mu.Unlock()
				return
			}
			if len(ent.leases) == 0 {
				delete(p.entries, ent.inst.ID())
				ent.state = StateTerminating
				p.mu.Unlock()
				p.terminateAndReplace(ent, "unhealthy instance drained")
				return
			}
			p.mu.Unlock()

		case <-deadline.C:
			p.mu.Lock()
			if p.entries[ent.inst.ID()] != ent {
				p.mu.Unlock()
				return
			}
			delete(p.entries, ent.inst.ID())
			ent.state = StateTerminating
			ctxIDs := make([]string, 0, len(ent.contexts))
			for id := range ent.contexts {
				ctxIDs = append(ctxIDs, id)
			}
			ent.contexts = make(map[string]struct{})
			detach := p.detachFn
			p.mu.Unlock()

			log.Warn().
				Str("instance_id", ent.inst.ID()).
				Int("abandoned_leases", len(ctxIDs)).
				Msg("Drain deadline reached, force-terminating browser")
			if detach != nil && len(ctxIDs) > 0 {
				detach(ctxIDs)
			}
			p.terminateAndReplace(ent, "drain deadline exceeded")
			return

		case <-p.stopCh:
			return
		}
	}
}

// trimIdle terminates the oldest idle instances above targetIdle once they
// have been idle past the grace window, never dropping below the minimum.
func (p *Pool) trimIdle() {
	now := time.Now()

	p.mu.Lock()
	var idle []*entry
	total := 0
	for _, ent := range p.entries {
		if ent.state != StateTerminating {
			total++
		}
		if ent.state == StateIdle {
			idle = append(idle, ent)
		}
	}
	var victims []*entry
	if len(idle) > p.cfg.PoolTargetIdle {
		sort.Slice(idle, func(i, j int) bool { return idle[i].idleSince.Before(idle[j].idleSince) })
		excess := len(idle) - p.cfg.PoolTargetIdle
		for _, ent := range idle[:excess] {
			if total <= p.cfg.PoolMin {
				break
			}
			if now.Sub(ent.idleSince) < p.cfg.PoolIdleGrace {
				continue
			}
			delete(p.entries, ent.inst.ID())
			ent.state = StateTerminating
			victims = append(victims, ent)
			total--
		}
	}
	p.mu.Unlock()

	for _, ent := range victims {
		log.Info().Str("instance_id", ent.inst.ID()).Msg("Trimming excess idle browser")
		p.closeInstance(ent.inst)
		p.bus.Publish(events.TopicBrowserTerminated, "internal", map[string]any{
			"instance_id": ent.inst.ID(),
			"reason":      "idle trim",
		})
	}
}

// replenish launches instances when the pool sits below its minimum.
func (p *Pool) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for p.capacityLocked() < p.cfg.PoolMin {
		p.launching++
		p.wg.Add(1)
		opts := p.launchOptions("")
		go func() {
			defer p.wg.Done()
			p.launchAndAdd(opts)
		}()
	}
}

func (p *Pool) publishGauges() {
	stats := p.Stats()
	metrics.UpdatePoolMetrics(stats.Capacity, stats.Idle, stats.InUse, stats.Waiters)
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Capacity:       p.cfg.PoolMax,
		Starting:       p.launching,
		Waiters:        len(p.waiters),
		Acquired:       p.acquired.Load(),
		Released:       p.releasedN.Load(),
		Replaced:       p.replaced.Load(),
		Crashes:        p.crashes.Load(),
		LaunchFailures: p.launchFailures.Load(),
	}
	for _, ent := range p.entries {
		switch ent.state {
		case StateIdle:
			s.Idle++
		case StateInUse:
			s.InUse++
		case StateUnhealthy:
			s.Unhealthy++
		}
	}
	return s
}

// Shutdown fails waiters, waits out active leases for the drain window,
// then closes every instance. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.waiters = nil
	ents := make([]*entry, 0, len(p.entries))
	for id, ent := range p.entries {
		delete(p.entries, id)
		ents = append(ents, ent)
	}
	p.mu.Unlock()

	log.Info().Int("instances", len(ents)).Msg("Shutting down browser pool")

	close(p.stopCh)
	p.rootCancel()
	p.wg.Wait()

	// Let in-flight leases finish within the drain window.
	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		active := 0
		p.mu.Lock()
		for _, ent := range ents {
			active += len(ent.leases)
		}
		p.mu.Unlock()
		if active == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, ent := range ents {
		inst := ent.inst
		eg.Go(func() error {
			if err := inst.Close(); err != nil {
				log.Warn().Err(err).Str("instance_id", inst.ID()).Msg("Error closing browser during shutdown")
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	log.Info().
		Int64("total_acquired", p.acquired.Load()).
		Int64("total_released", p.releasedN.Load()).
		Int64("total_replaced", p.replaced.Load()).
		Msg("Browser pool closed")
	return err
}
