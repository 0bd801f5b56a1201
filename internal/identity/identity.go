// Package identity resolves the scope identifier that namespaces a viewer's watch history.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"movie-discovery-watch-history-service/internal/storage"
)

// ErrIdentityResolutionFailed is returned when no scope could be resolved.
var ErrIdentityResolutionFailed = errors.New("identity resolution failed")

// Resolver returns a stable string identifying the current viewer.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// Static always resolves to the same scope.
type Static string

func (s Static) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static scope", ErrIdentityResolutionFailed)
	}
	return string(s), nil
}

// HTTPResolver derives the scope from a public-IP lookup service answering {"ip": "..."}.
type HTTPResolver struct {
	url    string
	client *http.Client
}

// NewHTTPResolver creates a resolver for the given lookup URL, e.g. https://api.ipify.org?format=json.
func NewHTTPResolver(url string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityResolutionFailed, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: lookup request: %v", ErrIdentityResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: lookup returned %d", ErrIdentityResolutionFailed, resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode lookup response: %v", ErrIdentityResolutionFailed, err)
	}
	if net.ParseIP(body.IP) == nil {
		return "", fmt.Errorf("%w: lookup returned invalid ip %q", ErrIdentityResolutionFailed, body.IP)
	}
	return IPScope(body.IP), nil
}

// IPScope returns the scope for an IP address.
func IPScope(ip string) string {
	return "ip_" + ip
}

var clientTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ClientScope validates a client-supplied token and returns its scope.
func ClientScope(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if !clientTokenPattern.MatchString(token) {
		return "", false
	}
	return "client_" + token, true
}

// BrowserIDKey is the storage key holding the generated local token.
const BrowserIDKey = "kkmovies_browser_id"

// LocalToken returns the persisted local token, generating and storing one on first use.
// When the storage is unusable the generated token is returned anyway, so callers always
// get a scope; it just will not survive a restart.
func LocalToken(ctx context.Context, s storage.Storage) (string, error) {
	token, err := s.Get(ctx, BrowserIDKey)
	if err == nil && token != "" {
		return token, nil
	}

	token = "browser_" + uuid.NewString()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return token, fmt.Errorf("read local token: %w", err)
	}
	if err := s.Set(ctx, BrowserIDKey, token); err != nil {
		return token, fmt.Errorf("persist local token: %w", err)
	}
	return token, nil
}
