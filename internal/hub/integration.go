package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/metrics"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/store"
)

const (
	// DefaultPackConcurrency bounds simultaneous handler runs per pack.
	DefaultPackConcurrency = 8

	// DefaultIntegrationTimeout applies when the manifest sets none.
	DefaultIntegrationTimeout = 30 * time.Second

	integrationRetries = 2
)

// retryBackoffs are the waits before retry attempts on transient statuses.
var retryBackoffs = [integrationRetries]time.Duration{250 * time.Millisecond, time.Second}

// transientStatuses are retried per attempt budget.
var transientStatuses = map[int]bool{
	500: true, 502: true, 503: true, 504: true, 408: true, 429: true,
}

// IntegrationExecutor runs integration-kind probes on the hub: the handler
// lives in-process and calls external HTTP APIs through an injected fetch
// function.
type IntegrationExecutor struct {
	registry *probe.Registry
	store    *store.Store
	log      *slog.Logger
	clock    clock.Clock
	fetch    probe.FetchFunc

	concurrency int
	mu          sync.Mutex
	sems        map[string]chan struct{}
}

// NewIntegrationExecutor wires the executor. fetch defaults to a real HTTP
// client; tests inject a mock.
func NewIntegrationExecutor(registry *probe.Registry, st *store.Store, log *slog.Logger, clk clock.Clock, fetch probe.FetchFunc, concurrency int) *IntegrationExecutor {
	if clk == nil {
		clk = clock.Real{}
	}
	if fetch == nil {
		client := &http.Client{Timeout: DefaultIntegrationTimeout}
		fetch = func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return client.Do(req.WithContext(ctx))
		}
	}
	if concurrency <= 0 {
		concurrency = DefaultPackConcurrency
	}
	return &IntegrationExecutor{
		registry:    registry,
		store:       st,
		log:         log,
		clock:       clk,
		fetch:       fetch,
		concurrency: concurrency,
		sems:        make(map[string]chan struct{}),
	}
}

// HasPack reports whether the leading segment names a registered
// integration pack; the router uses this for the route decision.
func (x *IntegrationExecutor) HasPack(name string) bool {
	p, ok := x.registry.Get(name)
	return ok && p.Kind == probe.KindIntegration
}

// Registry exposes the integration pack registry (read-side consumers:
// tools, runbook discovery).
func (x *IntegrationExecutor) Registry() *probe.Registry { return x.registry }

func (x *IntegrationExecutor) sem(pack string) chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.sems[pack]
	if !ok {
		s = make(chan struct{}, x.concurrency)
		x.sems[pack] = s
	}
	return s
}

// Execute runs one integration probe to completion. Application failures are
// returned as a status "error" response; only infrastructure faults (storage)
// return a Go error.
func (x *IntegrationExecutor) Execute(ctx context.Context, req probe.Request) (*probe.Response, error) {
	start := x.clock.Now()
	packName, rest, err := probe.SplitName(req.Probe)
	if err != nil {
		return probe.ErrorResponse(req.Probe, err.Error(), 0, probe.Metadata{AgentVersion: "hub"}), nil
	}
	pack, ok := x.registry.Get(packName)
	if !ok || pack.Kind != probe.KindIntegration {
		return probe.ErrorResponse(req.Probe, "Unknown integration pack: "+packName, 0, probe.Metadata{AgentVersion: "hub"}), nil
	}
	handler, ok := pack.Integration[rest]
	if !ok {
		return probe.ErrorResponse(req.Probe, "Unknown probe: "+req.Probe, 0, x.meta(pack)), nil
	}

	integ, err := x.store.GetIntegrationByPack(packName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return probe.ErrorResponse(req.Probe, "No active integration configured for pack "+packName, 0, x.meta(pack)), nil
		}
		return nil, err
	}

	if spec, ok := pack.Manifest.Spec(rest); ok && len(spec.Params) > 0 {
		if err := probe.ValidateParams(spec.Params, req.Params); err != nil {
			return probe.ErrorResponse(req.Probe, err.Error(), 0, x.meta(pack)), nil
		}
	}

	timeout := DefaultIntegrationTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	} else if spec, ok := pack.Manifest.Spec(rest); ok && spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	s := x.sem(packName)
	select {
	case s <- struct{}{}:
		defer func() { <-s }()
	case <-ctx.Done():
		return probe.ErrorResponse(req.Probe, ctx.Err().Error(), x.clock.Since(start).Milliseconds(), x.meta(pack)), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config := toAnyMap(integ.Config)
	creds := integ.Creds
	data, err := x.runWithRecovery(runCtx, handler, req.Params, config, &creds, packName, integ)

	dur := x.clock.Since(start).Milliseconds()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &probe.Response{
				Probe:      req.Probe,
				Status:     probe.StatusTimeout,
				Data:       map[string]any{"error": err.Error()},
				DurationMs: dur,
				RequestID:  req.RequestID,
				Metadata:   x.meta(pack),
			}, nil
		}
		return probe.ErrorResponse(req.Probe, err.Error(), dur, x.meta(pack)), nil
	}
	return &probe.Response{
		Probe:      req.Probe,
		Status:     probe.StatusSuccess,
		Data:       data,
		DurationMs: dur,
		RequestID:  req.RequestID,
		Metadata:   x.meta(pack),
	}, nil
}

// runWithRecovery applies the transient-retry and OAuth2-refresh policy
// around a single handler invocation.
func (x *IntegrationExecutor) runWithRecovery(ctx context.Context, handler probe.IntegrationHandler, params, config map[string]any, creds *probe.Credentials, packName string, integ *store.Integration) (any, error) {
	refreshed := false
	retries := 0
	for {
		data, err := handler(ctx, params, config, creds, x.fetch)
		if err == nil {
			return data, nil
		}

		var httpErr *probe.HTTPError
		if !errors.As(err, &httpErr) {
			return nil, err
		}

		if httpErr.StatusCode == 401 && !refreshed && creds.Method == probe.AuthOAuth2 && creds.RefreshToken != "" {
			if rerr := x.refreshOAuth2(ctx, creds, integ); rerr != nil {
				x.log.Warn("oauth2 refresh failed", "pack", packName, "error", rerr)
				return nil, err
			}
			refreshed = true
			continue
		}

		if transientStatuses[httpErr.StatusCode] && retries < integrationRetries {
			metrics.IntegrationRetries.WithLabelValues(packName).Inc()
			select {
			case <-x.clock.After(retryBackoffs[retries]):
			case <-ctx.Done():
				return nil, err
			}
			retries++
			continue
		}
		return nil, err
	}
}

// refreshOAuth2 performs one refresh-grant POST to the token URL, updates
// the credentials in place, persists them, and records an integration event.
func (x *IntegrationExecutor) refreshOAuth2(ctx context.Context, creds *probe.Credentials, integ *store.Integration) error {
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: creds.TokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return err
	}
	creds.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}
	integ.Creds = *creds
	integ.UpdatedAt = x.clock.Now().UTC()
	if err := x.store.SaveIntegration(integ); err != nil {
		return err
	}
	_ = x.store.AppendIntegrationEvent(store.IntegrationEvent{
		IntegrationID: integ.ID,
		Kind:          "token_refreshed",
		Detail:        "access token refreshed after 401",
	})
	x.log.Info("oauth2 token refreshed", "integration", integ.ID, "pack", integ.Pack)
	return nil
}

// TestConnection runs the pack's optional connection test against the
// integration's stored credentials.
func (x *IntegrationExecutor) TestConnection(ctx context.Context, integ *store.Integration) (any, error) {
	pack, ok := x.registry.Get(integ.Pack)
	if !ok || pack.TestConnection == nil {
		return nil, errors.New("pack has no connection test")
	}
	creds := integ.Creds
	data, err := pack.TestConnection(ctx, nil, toAnyMap(integ.Config), &creds, x.fetch)
	kind, detail := "test_connection", "ok"
	if err != nil {
		detail = err.Error()
	}
	_ = x.store.AppendIntegrationEvent(store.IntegrationEvent{
		IntegrationID: integ.ID,
		Kind:          kind,
		Detail:        detail,
	})
	return data, err
}

func (x *IntegrationExecutor) meta(p *probe.Pack) probe.Metadata {
	return probe.Metadata{
		AgentVersion: "hub",
		PackName:     p.Manifest.Name,
		PackVersion:  p.Manifest.Version,
		Capability:   probe.CapabilityObserve,
	}
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
