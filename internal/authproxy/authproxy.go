// Package authproxy implements the AuthProxy of spec §4.6: a loopback
// HTTP reverse proxy that substitutes real provider credentials for the
// placeholder ones an agent SDK is configured with, so no real secret
// ever reaches the sandboxed agent process.
package authproxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/duh17/hostguard/internal/credentials"
)

var tracer = otel.Tracer("hostguard/authproxy")

// hopByHopHeaders are stripped from both the proxied request and the
// upstream response, per §4.6 step 6.
var hopByHopHeaders = []string{"Host", "Connection", "Transfer-Encoding", "Keep-Alive", "Upgrade", "Proxy-Authorization", "Proxy-Authenticate"}

// ProviderRoute describes one upstream provider the proxy fronts.
type ProviderRoute struct {
	Prefix         string
	CredentialKey  string
	UpstreamBase   string
	ExtractSession func(r *http.Request) (string, error)
	Inject         func(req *http.Request, cred credentials.Entry, sessionID string)
	BuildStubAuth  func(sessionID string) any
}

// sessionEntry is one registered session's authorization record.
type sessionEntry struct {
	providers map[string]bool // empty set means "all routes"
	limiter   *rate.Limiter
}

// Proxy is the loopback AuthProxy HTTP handler.
type Proxy struct {
	log   *slog.Logger
	creds *credentials.Store
	rate  rate.Limit

	routes []ProviderRoute

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// New returns a Proxy fronting the Anthropic and OpenAI-Codex routes
// (§4.6 "a static list of ProviderRoute entries").
func New(creds *credentials.Store, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	p := &Proxy{log: log, creds: creds, rate: rate.Limit(20), sessions: make(map[string]*sessionEntry)}
	p.routes = []ProviderRoute{anthropicRoute(), openAICodexRoute()}
	return p
}

// RegisterSession authorizes sessionID to proxy the given provider
// credential keys (empty means every configured route).
func (p *Proxy) RegisterSession(sessionID string, providers []string) {
	set := make(map[string]bool, len(providers))
	for _, pr := range providers {
		set[pr] = true
	}
	p.mu.Lock()
	p.sessions[sessionID] = &sessionEntry{providers: set, limiter: rate.NewLimiter(p.rate, int(p.rate)*2)}
	p.mu.Unlock()
}

// RemoveSession clears sessionID's authorization.
func (p *Proxy) RemoveSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// BuildStubAuth returns the placeholder credential object the caller
// should write into the session's filesystem view for route.
func (p *Proxy) BuildStubAuth(route ProviderRoute, sessionID string) any {
	return route.BuildStubAuth(sessionID)
}

func (p *Proxy) routeFor(path string) (ProviderRoute, bool) {
	for _, r := range p.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return ProviderRoute{}, false
}

func (p *Proxy) lookupSession(sessionID, credentialKey string) (*sessionEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if len(s.providers) > 0 && !s.providers[credentialKey] {
		return nil, false
	}
	return s, true
}

// ServeHTTP implements the full §4.6 request handling algorithm.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		p.mu.RLock()
		n := len(p.sessions)
		p.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": n})
		return
	}

	route, ok := p.routeFor(r.URL.Path)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown route")
		return
	}

	ctx, span := tracer.Start(r.Context(), "authproxy.proxy", trace.WithAttributes(attribute.String("route.prefix", route.Prefix)))
	defer span.End()

	sessionID, err := route.ExtractSession(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	entry, ok := p.lookupSession(sessionID, route.CredentialKey)
	if !ok {
		httpError(w, http.StatusForbidden, "session not registered for this provider")
		return
	}
	if !entry.limiter.Allow() {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	cred, err := p.creds.Get(route.CredentialKey)
	if err != nil {
		httpError(w, http.StatusBadGateway, "missing credential")
		return
	}
	if cred.Expired(time.Now()) {
		if err := p.creds.Reload(); err != nil {
			httpError(w, http.StatusBadGateway, "credential reload failed")
			return
		}
		cred, err = p.creds.Get(route.CredentialKey)
		if err != nil || cred.Expired(time.Now()) {
			httpError(w, http.StatusBadGateway, "credential expired")
			return
		}
	}

	upstreamURL, err := buildUpstreamURL(route, r.URL)
	if err != nil {
		httpError(w, http.StatusBadGateway, "bad upstream URL")
		return
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		httpError(w, http.StatusBadGateway, "request build failed")
		return
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Host = upstreamURL.Host
	route.Inject(outReq, cred, sessionID)

	resp, err := http.DefaultClient.Do(outReq)
	if err != nil {
		p.log.Error("authproxy: upstream request failed", "session", sessionID, "error", err)
		httpError(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// mergeBetaHeader appends value to any anthropic-beta header the inbound
// request already carried (copied in by copyHeaders) rather than
// overwriting it, so an SDK-requested beta flag and the oauth beta flag
// this route injects both reach the upstream.
func mergeBetaHeader(h http.Header, value string) {
	existing := h.Get("anthropic-beta")
	if existing == "" {
		h.Set("anthropic-beta", value)
		return
	}
	for _, v := range strings.Split(existing, ",") {
		if strings.TrimSpace(v) == value {
			return
		}
	}
	h.Set("anthropic-beta", existing+","+value)
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func buildUpstreamURL(route ProviderRoute, in *url.URL) (*url.URL, error) {
	base, err := url.Parse(route.UpstreamBase)
	if err != nil {
		return nil, err
	}
	suffix := strings.TrimPrefix(in.Path, route.Prefix)
	base.Path = strings.TrimSuffix(base.Path, "/") + suffix
	base.RawQuery = in.RawQuery
	return base, nil
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// --- Anthropic route ---

const anthropicPrefix = "/anthropic"

var errMissingBearer = errors.New("missing bearer token")

func anthropicRoute() ProviderRoute {
	return ProviderRoute{
		Prefix:        anthropicPrefix,
		CredentialKey: "anthropic",
		UpstreamBase:  "https://api.anthropic.com",
		ExtractSession: func(r *http.Request) (string, error) {
			token, err := bearerToken(r)
			if err != nil {
				return "", err
			}
			const prefix = "sk-ant-oat01-proxy-"
			if !strings.HasPrefix(token, prefix) {
				return "", errMissingBearer
			}
			return strings.TrimPrefix(token, prefix), nil
		},
		Inject: func(req *http.Request, cred credentials.Entry, sessionID string) {
			if cred.Type == "oauth" {
				req.Header.Set("Authorization", "Bearer "+cred.Access)
				mergeBetaHeader(req.Header, "oauth-2025-04-20")
			} else {
				req.Header.Set("x-api-key", cred.Key)
			}
			req.Header.Set("anthropic-version", "2023-06-01")
		},
		BuildStubAuth: func(sessionID string) any {
			return map[string]string{"type": "api_key", "key": "sk-ant-oat01-proxy-" + sessionID}
		},
	}
}

// --- OpenAI-Codex route ---

const openAICodexPrefix = "/openai-codex"

func openAICodexRoute() ProviderRoute {
	return ProviderRoute{
		Prefix:        openAICodexPrefix,
		CredentialKey: "openai-codex",
		UpstreamBase:  "https://chatgpt.com/backend-api/codex",
		ExtractSession: func(r *http.Request) (string, error) {
			token, err := bearerToken(r)
			if err != nil {
				return "", err
			}
			return sessionFromFakeJWT(token)
		},
		Inject: func(req *http.Request, cred credentials.Entry, sessionID string) {
			req.Header.Set("Authorization", "Bearer "+cred.Access)
		},
		BuildStubAuth: func(sessionID string) any {
			return buildFakeJWT(sessionID)
		},
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errMissingBearer
	}
	return strings.TrimPrefix(auth, prefix), nil
}

// buildFakeJWT constructs an unsigned, alg:none JWT carrying the session
// id, good enough to satisfy SDK-side payload extraction and unusable as
// a real credential (§4.6 "Stub-credential builder").
func buildFakeJWT(sessionID string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]any{
		"https://api.openai.com/auth": map[string]string{"chatgpt_account_id": "proxy"},
		"oppi_session":                sessionID,
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func sessionFromFakeJWT(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return "", errMissingBearer
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("authproxy: decode jwt payload: %w", err)
	}
	var body struct {
		OppiSession string `json:"oppi_session"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("authproxy: parse jwt payload: %w", err)
	}
	if body.OppiSession == "" {
		return "", errMissingBearer
	}
	return body.OppiSession, nil
}
