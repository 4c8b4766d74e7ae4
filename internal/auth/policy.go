package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request. Ingest endpoints and the
// device-listing proxy authenticate against the device platform, not
// this service, so they are exempt here.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a policy with the standard exemptions plus any
// extra paths and prefixes.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := map[string]struct{}{
		"/healthz":               {},
		"/metrics":               {},
		"/calculated-telemetry/": {},
		"/check_alarm/":          {},
		"/my_devices/":           {},
	}
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves the required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/api/v1/counters":
		return RoleViewer, true
	case path == "/api/v1/flush":
		return RoleAdmin, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
