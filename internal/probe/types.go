// Package probe defines the core diagnostic vocabulary shared by the hub
// and the agent: probe requests and responses, pack manifests, the pack
// registry, and the injected effect seams (exec and fetch) that handlers
// run through.
package probe

import (
	"context"
	"fmt"
	"net/http"
)

// Status classifies a probe outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Capability is the declared privilege level of a probe.
type Capability string

const (
	CapabilityObserve Capability = "observe"
	CapabilityAct     Capability = "act"
	CapabilityAdmin   Capability = "admin"
)

// Request asks for one probe execution.
type Request struct {
	Probe     string         `json:"probe"` // fully qualified "pack.probe"
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
	Requester string         `json:"requester,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Metadata rides with every response and identifies what produced it.
type Metadata struct {
	AgentVersion string     `json:"agentVersion"`
	PackName     string     `json:"packName"`
	PackVersion  string     `json:"packVersion"`
	Capability   Capability `json:"capabilityLevel"`
}

// Response is the structured result of one probe execution.
// On failure Data is {"error": message}; application-level errors always
// ride through as Status "error" rather than a Go error, so callers can
// inspect and aggregate them.
type Response struct {
	Probe      string   `json:"probe"`
	Status     Status   `json:"status"`
	Data       any      `json:"data"`
	DurationMs int64    `json:"durationMs"`
	RequestID  string   `json:"requestId,omitempty"`
	Metadata   Metadata `json:"metadata"`
}

// ErrorResponse builds an error-status response with the standard data shape.
func ErrorResponse(probeName, message string, durationMs int64, meta Metadata) *Response {
	return &Response{
		Probe:      probeName,
		Status:     StatusError,
		Data:       map[string]any{"error": message},
		DurationMs: durationMs,
		Metadata:   meta,
	}
}

// ExecFunc runs a named binary with an argv list on the local host.
// It must not invoke a shell. Implementations cap stdout at 1 MiB and
// honour the context deadline. Injected per-call so tests can stub it.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// FetchFunc performs one HTTP request on behalf of an integration handler.
// Production binds it to a real client and the per-probe cancellation
// context; tests inject a mock. Injected per-call, never global.
type FetchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// AuthMethod names how integration credentials authenticate.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "apiKey"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthDevice AuthMethod = "device"
)

// Credentials hold the secrets an integration pack uses against its
// external API. Fields are populated according to Method.
type Credentials struct {
	Method       AuthMethod `json:"method"`
	APIKey       string     `json:"apiKey,omitempty"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"password,omitempty"`
	BearerToken  string     `json:"bearerToken,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	TokenURL     string     `json:"tokenUrl,omitempty"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	DeviceConfig string     `json:"deviceConfig,omitempty"` // opaque JSON device binding
}

// HTTPError is a response-like failure thrown by an integration handler.
// The executor retries transient statuses and triggers an OAuth2 refresh
// on 401.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// MissingParamError reports a required integration parameter that was not
// supplied. Surfaced to the caller as a status "error" response naming the
// parameter.
type MissingParamError struct {
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Param)
}

// Severity ranks a runbook finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// severityRank orders findings critical -> warning -> info.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// SeverityLess reports whether a sorts before b in report order.
func SeverityLess(a, b Severity) bool {
	return severityRank(a) < severityRank(b)
}

// Finding is one diagnostic conclusion synthesised from probe results.
type Finding struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail"`
	Probes   []string `json:"relatedProbes,omitempty"`
}

// FindingsFunc derives findings from the raw per-probe results of a runbook.
type FindingsFunc func(results map[string]*Response) []Finding
