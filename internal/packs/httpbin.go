package packs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sonde-sh/sonde/internal/probe"
)

const defaultHTTPBinBase = "https://httpbin.org"

// HTTPBin returns the built-in integration pack. It doubles as the
// reference integration: simple HTTP probes against an httpbin-compatible
// endpoint, with the base URL taken from the integration config.
func HTTPBin() *probe.Pack {
	return &probe.Pack{
		Kind: probe.KindIntegration,
		Manifest: probe.Manifest{
			Name:        "httpbin",
			Version:     "1.0.0",
			Description: "HTTP echo service probes (reference integration)",
			Probes: []probe.Spec{
				{Name: "ip", Description: "Origin IP as seen by the service", Capability: probe.CapabilityObserve, TimeoutMs: 10000},
				{Name: "headers", Description: "Request headers echo", Capability: probe.CapabilityObserve, TimeoutMs: 10000},
				{Name: "status", Description: "Force a status code response", Capability: probe.CapabilityObserve, TimeoutMs: 10000,
					Params: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"code": map[string]any{"type": "integer"},
						},
					}},
			},
			Runbook: &probe.RunbookSpec{
				Category: "connectivity",
				Probes:   []string{"httpbin.ip", "httpbin.status"},
				Parallel: false,
			},
		},
		Integration: map[string]probe.IntegrationHandler{
			"ip":      httpbinGet("/ip"),
			"headers": httpbinGet("/headers"),
			"status":  httpbinStatus,
		},
		TestConnection: httpbinGet("/ip"),
		Findings:       connectivityFindings,
	}
}

func httpbinBase(config map[string]any) string {
	if base, _ := config["baseUrl"].(string); base != "" {
		return base
	}
	return defaultHTTPBinBase
}

// httpbinGet builds a handler that GETs a JSON endpoint and returns its
// decoded body.
func httpbinGet(path string) probe.IntegrationHandler {
	return func(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
		req, err := http.NewRequest(http.MethodGet, httpbinBase(config)+path, nil)
		if err != nil {
			return nil, err
		}
		applyCredentials(req, creds)
		resp, err := fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, &probe.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		var body map[string]any
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return body, nil
	}
}

func httpbinStatus(ctx context.Context, params, config map[string]any, creds *probe.Credentials, fetch probe.FetchFunc) (any, error) {
	code := 200
	if n, ok := params["code"].(float64); ok {
		code = int(n)
	}
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/status/%d", httpbinBase(config), code), nil)
	if err != nil {
		return nil, err
	}
	applyCredentials(req, creds)
	resp, err := fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, &probe.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return map[string]any{"statusCode": resp.StatusCode}, nil
}

// applyCredentials sets the auth header per the credential method.
func applyCredentials(req *http.Request, creds *probe.Credentials) {
	if creds == nil {
		return
	}
	switch creds.Method {
	case probe.AuthAPIKey:
		if creds.APIKey != "" {
			req.Header.Set("X-Api-Key", creds.APIKey)
		}
	case probe.AuthBasic:
		if creds.Username != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	case probe.AuthBearer:
		if creds.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+creds.BearerToken)
		}
	case probe.AuthOAuth2:
		if creds.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
	}
}

func connectivityFindings(results map[string]*probe.Response) []probe.Finding {
	var findings []probe.Finding
	for name, r := range results {
		if r.Status == probe.StatusSuccess {
			continue
		}
		msg := ""
		if m, ok := r.Data.(map[string]any); ok {
			msg, _ = m["error"].(string)
		}
		sev := probe.SeverityWarning
		if r.Status == probe.StatusTimeout {
			sev = probe.SeverityCritical
		}
		findings = append(findings, probe.Finding{
			Severity: sev,
			Title:    "External endpoint unreachable",
			Detail:   fmt.Sprintf("%s: %s", name, msg),
			Probes:   []string{name},
		})
	}
	return findings
}
