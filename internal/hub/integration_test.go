package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/store"
)

func respError(t *testing.T, resp *probe.Response) string {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T, want map", resp.Data)
	}
	msg, _ := data["error"].(string)
	return msg
}

func TestIntegrationExecuteSuccess(t *testing.T) {
	st := testStore(t)
	var calls atomic.Int64
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		calls.Add(1)
		return map[string]any{"ok": true}, nil
	})
	seedIntegration(t, st, probe.Credentials{Method: probe.AuthAPIKey, APIKey: "k"})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusSuccess {
		t.Errorf("status = %s, data %v", resp.Status, resp.Data)
	}
	if resp.Metadata.AgentVersion != "hub" {
		t.Errorf("agentVersion = %s, want hub", resp.Metadata.AgentVersion)
	}
	if resp.Metadata.PackName != "fakeapi" {
		t.Errorf("packName = %s", resp.Metadata.PackName)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d", calls.Load())
	}
}

func TestIntegrationRetriesTransientStatus(t *testing.T) {
	st := testStore(t)
	var calls atomic.Int64
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, &probe.HTTPError{StatusCode: 503, Message: "upstream busy"}
		}
		return map[string]any{"ok": true}, nil
	})
	seedIntegration(t, st, probe.Credentials{Method: probe.AuthAPIKey})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusSuccess {
		t.Errorf("status = %s after retries, data %v", resp.Status, resp.Data)
	}
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestIntegrationRetryBudgetExhausted(t *testing.T) {
	st := testStore(t)
	var calls atomic.Int64
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		calls.Add(1)
		return nil, &probe.HTTPError{StatusCode: 503}
	})
	seedIntegration(t, st, probe.Credentials{Method: probe.AuthAPIKey})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusError {
		t.Errorf("status = %s", resp.Status)
	}
	// Initial attempt plus two retries.
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestIntegrationPermanentErrorNotRetried(t *testing.T) {
	st := testStore(t)
	var calls atomic.Int64
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		calls.Add(1)
		return nil, &probe.HTTPError{StatusCode: 404, Message: "no such endpoint"}
	})
	seedIntegration(t, st, probe.Credentials{Method: probe.AuthAPIKey})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusError {
		t.Errorf("status = %s", resp.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestIntegrationNoActiveIntegration(t *testing.T) {
	st := testStore(t)
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		t.Error("handler ran without a configured integration")
		return nil, nil
	})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusError {
		t.Fatalf("status = %s", resp.Status)
	}
	if got := respError(t, resp); got != "No active integration configured for pack fakeapi" {
		t.Errorf("error = %q", got)
	}
}

func TestIntegrationUnknownProbe(t *testing.T) {
	st := testStore(t)
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		return nil, nil
	})
	seedIntegration(t, st, probe.Credentials{})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.nope"})
	if err != nil {
		t.Fatal(err)
	}
	if got := respError(t, resp); got != "Unknown probe: fakeapi.nope" {
		t.Errorf("error = %q", got)
	}
}

func oauthTokenServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"token_type":    "bearer",
			"refresh_token": "next-refresh",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntegrationOAuth2RefreshOn401(t *testing.T) {
	st := testStore(t)
	var tokenHits, calls atomic.Int64
	srv := oauthTokenServer(t, &tokenHits)

	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		calls.Add(1)
		if creds.AccessToken != "new-token" {
			return nil, &probe.HTTPError{StatusCode: 401, Message: "token expired"}
		}
		return map[string]any{"ok": true}, nil
	})
	seedIntegration(t, st, probe.Credentials{
		Method:       probe.AuthOAuth2,
		AccessToken:  "stale",
		RefreshToken: "r1",
		TokenURL:     srv.URL,
	})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusSuccess {
		t.Fatalf("status = %s, data %v", resp.Status, resp.Data)
	}
	if tokenHits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want 1", tokenHits.Load())
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}

	// The refreshed credentials are persisted, with the rotated refresh token.
	integ, err := st.GetIntegration("int-1")
	if err != nil {
		t.Fatal(err)
	}
	if integ.Creds.AccessToken != "new-token" || integ.Creds.RefreshToken != "next-refresh" {
		t.Errorf("persisted creds = %+v", integ.Creds)
	}
	assertEventKind(t, st, "int-1", "token_refreshed")
}

func TestIntegrationOAuth2RefreshOnlyOnce(t *testing.T) {
	st := testStore(t)
	var tokenHits, calls atomic.Int64
	srv := oauthTokenServer(t, &tokenHits)

	// Keeps failing with 401 even after a successful refresh.
	reg := countingPack(t, func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		calls.Add(1)
		return nil, &probe.HTTPError{StatusCode: 401}
	})
	seedIntegration(t, st, probe.Credentials{
		Method:       probe.AuthOAuth2,
		AccessToken:  "stale",
		RefreshToken: "r1",
		TokenURL:     srv.URL,
	})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	resp, err := x.Execute(context.Background(), probe.Request{Probe: "fakeapi.ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != probe.StatusError {
		t.Fatalf("status = %s", resp.Status)
	}
	if tokenHits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want exactly 1", tokenHits.Load())
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if got := respError(t, resp); !strings.Contains(got, "HTTP 401") {
		t.Errorf("error = %q", got)
	}
}

func TestTestConnectionRecordsEvent(t *testing.T) {
	st := testStore(t)
	reg := probe.NewRegistry()
	err := reg.Register(&probe.Pack{
		Manifest: probe.Manifest{
			Name:    "fakeapi",
			Version: "1.0.0",
			Probes:  []probe.Spec{{Name: "ping", Capability: probe.CapabilityObserve}},
		},
		Kind: probe.KindIntegration,
		Integration: map[string]probe.IntegrationHandler{
			"ping": func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
				return nil, nil
			},
		},
		TestConnection: func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
			return map[string]any{"reachable": true}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	integ := seedIntegration(t, st, probe.Credentials{Method: probe.AuthAPIKey})
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)

	data, err := x.TestConnection(context.Background(), integ)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if m := data.(map[string]any); m["reachable"] != true {
		t.Errorf("data = %v", data)
	}
	assertEventKind(t, st, "int-1", "test_connection")
}

func assertEventKind(t *testing.T, st *store.Store, integrationID, kind string) {
	t.Helper()
	events, err := st.ListIntegrationEvents(integrationID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.Kind == kind {
			return
		}
	}
	t.Errorf("no %q event recorded (%d events)", kind, len(events))
}
