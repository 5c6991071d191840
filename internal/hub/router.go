package hub

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/metrics"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

const (
	// DefaultCacheTTL is how long a successful probe result is served from
	// cache.
	DefaultCacheTTL = 10 * time.Second

	// DefaultCacheEntries bounds the result cache.
	DefaultCacheEntries = 1024
)

type cacheEntry struct {
	fingerprint string
	response    *probe.Response
	expiresAt   time.Time
}

// Router is the single entrypoint for "execute probe X": it decides between
// agent and integration routes, applies the fingerprint result cache, and
// records one audit entry per execution.
type Router struct {
	dispatcher   *Dispatcher
	integrations *IntegrationExecutor
	store        *store.Store
	bus          *events.Bus
	log          *slog.Logger
	clock        clock.Clock

	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List // front = most recent
}

// NewRouter wires the probe router.
func NewRouter(d *Dispatcher, x *IntegrationExecutor, st *store.Store, bus *events.Bus, log *slog.Logger, clk clock.Clock, ttl time.Duration, maxEntries int) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Router{
		dispatcher:   d,
		integrations: x,
		store:        st,
		bus:          bus,
		log:          log,
		clock:        clk,
		ttl:          ttl,
		maxEntries:   maxEntries,
		cache:        make(map[string]*list.Element),
		lru:          list.New(),
	}
}

// Execute runs one probe. agent may be empty for integration probes;
// apiKeyID tags the audit entry with the caller's key.
func (r *Router) Execute(ctx context.Context, req probe.Request, agent, apiKeyID string) (*probe.Response, error) {
	fp := fingerprint(req.Probe, req.Params, agent)
	if resp := r.cacheGet(fp); resp != nil {
		metrics.CacheHits.Inc()
		return resp, nil
	}

	packName, _, err := probe.SplitName(req.Probe)
	if err != nil {
		return nil, err
	}

	var (
		resp   *probe.Response
		source string
		route  string
	)
	if r.integrations != nil && r.integrations.HasPack(packName) {
		route = "integration"
		source = "integration:" + packName
		resp, err = r.integrations.Execute(ctx, req)
	} else {
		if agent == "" {
			return nil, fmt.Errorf("probe %s requires an agent", req.Probe)
		}
		route = "agent"
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		resp, err = r.dispatcher.SendProbe(agent, req, timeout)
		if resp != nil {
			_, source, _, _ = r.dispatcher.Resolve(agent)
			if source == "" {
				source = agent
			}
		}
	}
	if err != nil {
		return nil, err
	}

	metrics.ProbesTotal.WithLabelValues(route, string(resp.Status)).Inc()
	metrics.ProbeDuration.WithLabelValues(route).Observe(float64(resp.DurationMs) / 1000)

	r.recordAudit(resp, source, apiKeyID, route == "integration", packName)

	if resp.Status == probe.StatusSuccess {
		r.cachePut(fp, resp)
	}
	return deepCopy(resp), nil
}

// recordAudit appends one audit entry per execution and, for integration
// probes, one probe_execution integration event.
func (r *Router) recordAudit(resp *probe.Response, source, apiKeyID string, isIntegration bool, packName string) {
	body, _ := json.Marshal(resp.Data)
	entry := audit.Entry{
		Probe:      resp.Probe,
		Source:     source,
		Status:     string(resp.Status),
		DurationMs: resp.DurationMs,
		APIKeyID:   apiKeyID,
		Digest:     audit.ResponseDigest(body),
	}
	if _, err := r.store.AppendAudit(entry); err != nil {
		r.log.Error("audit append failed", "probe", resp.Probe, "error", err)
	} else {
		metrics.AuditEntries.Inc()
	}

	if isIntegration {
		if integ, err := r.store.GetIntegrationByPack(packName); err == nil {
			_ = r.store.AppendIntegrationEvent(store.IntegrationEvent{
				IntegrationID: integ.ID,
				Kind:          "probe_execution",
				Detail:        fmt.Sprintf("%s: %s", resp.Probe, resp.Status),
			})
		}
	}

	r.bus.Publish(events.Event{
		Type:  events.ProbeExecuted,
		Agent: source,
		Probe: resp.Probe,
		Fields: map[string]any{
			"status":     string(resp.Status),
			"durationMs": resp.DurationMs,
		},
	})
}

func (r *Router) cacheGet(fp string) *probe.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.cache[fp]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if !r.clock.Now().Before(entry.expiresAt) {
		r.lru.Remove(el)
		delete(r.cache, fp)
		return nil
	}
	r.lru.MoveToFront(el)
	// Deep copy: mutation of the returned object must not poison the cache.
	return deepCopy(entry.response)
}

func (r *Router) cachePut(fp string, resp *probe.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.cache[fp]; ok {
		el.Value.(*cacheEntry).response = deepCopy(resp)
		el.Value.(*cacheEntry).expiresAt = r.clock.Now().Add(r.ttl)
		r.lru.MoveToFront(el)
		return
	}
	el := r.lru.PushFront(&cacheEntry{
		fingerprint: fp,
		response:    deepCopy(resp),
		expiresAt:   r.clock.Now().Add(r.ttl),
	})
	r.cache[fp] = el
	for r.lru.Len() > r.maxEntries {
		oldest := r.lru.Back()
		r.lru.Remove(oldest)
		delete(r.cache, oldest.Value.(*cacheEntry).fingerprint)
	}
}

// CacheLen reports the number of cached results.
func (r *Router) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// fingerprint is the cache key: probe, canonical params, agent (or empty).
func fingerprint(probeName string, params map[string]any, agent string) string {
	canonical, err := protocol.CanonicalizeValue(params)
	if err != nil {
		canonical = []byte("{}")
	}
	return probeName + "\x00" + string(canonical) + "\x00" + agent
}

// deepCopy clones a response through JSON so cached and returned values
// share no structure.
func deepCopy(resp *probe.Response) *probe.Response {
	data, err := json.Marshal(resp)
	if err != nil {
		return resp
	}
	var out probe.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return resp
	}
	return &out
}
