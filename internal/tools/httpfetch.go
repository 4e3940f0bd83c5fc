package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/errs"
	"github.com/hostbridge/hostbridge/internal/registry"
)

func httpDescriptors(deps Deps) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Category:    "http",
			Name:        "fetch",
			Description: "Fetch a URL over HTTP(S) with SSRF protections",
			InputSchema: registry.Schema{
				Type: "object",
				Properties: map[string]registry.Schema{
					"url":             {Type: "string"},
					"method":          {Type: "string"},
					"headers":         {Type: "object"},
					"body":            {Type: "string"},
					"timeout_seconds": {Type: "number"},
				},
				Required: []string{"url"},
			},
			IsToolEndpoint: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return httpFetch(ctx, deps, params)
			},
		},
	}
}

// egressGuard applies the http.* configuration: domain allow/deny lists
// checked against the request host, and an IP check applied at dial time
// so DNS answers (including rebinding tricks) can't bypass it.
type egressGuard struct {
	cfg config.HTTPEgress
}

func (g egressGuard) checkHost(host string) error {
	host = strings.ToLower(host)

	if len(g.cfg.AllowDomains) > 0 && !matchesAnyDomain(host, g.cfg.AllowDomains) {
		return errs.Newf(errs.KindBlocked, "domain %q is not on the egress allowlist", host)
	}
	if matchesAnyDomain(host, g.cfg.BlockDomains) {
		return errs.Newf(errs.KindBlocked, "domain %q is on the egress denylist", host)
	}
	// A literal IP in the URL is checked immediately; hostnames are
	// checked again per resolved address at dial time.
	if ip := net.ParseIP(host); ip != nil {
		return g.checkIP(ip)
	}
	return nil
}

func (g egressGuard) checkIP(ip net.IP) error {
	if g.cfg.BlockMetadataEndpoint && isMetadataIP(ip) {
		return errs.New(errs.KindBlocked, "cloud metadata endpoints are blocked")
	}
	if g.cfg.BlockPrivateIPs && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()) {
		return errs.Newf(errs.KindBlocked, "address %s is private, loopback, or link-local", ip)
	}
	return nil
}

func isMetadataIP(ip net.IP) bool {
	return ip.Equal(net.ParseIP("169.254.169.254")) || ip.Equal(net.ParseIP("fd00:ec2::254"))
}

// matchesAnyDomain matches host against exact entries, glob patterns,
// and implicit-subdomain entries (".example.com" or "example.com" both
// cover "api.example.com").
func matchesAnyDomain(host string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == host {
			return true
		}
		if strings.HasSuffix(host, "."+strings.TrimPrefix(p, ".")) {
			return true
		}
		if ok, _ := filepath.Match(p, host); ok {
			return true
		}
	}
	return false
}

// dialContext resolves the target and rejects any address the guard
// refuses before a connection is made.
func (g egressGuard) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	var lastErr error
	for _, ip := range ips {
		if err := g.checkIP(ip); err != nil {
			lastErr = err
			continue
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

func httpFetch(ctx context.Context, deps Deps, params map[string]any) (any, error) {
	rawURL, err := strParam(params, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errs.Newf(errs.KindInvalidParam, "url %q is not a valid http(s) URL", rawURL)
	}

	guard := egressGuard{cfg: deps.HTTP}
	if err := guard.checkHost(parsed.Hostname()); err != nil {
		return nil, err
	}

	method := strings.ToUpper(optStrParam(params, "method", http.MethodGet))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return nil, errs.Newf(errs.KindInvalidParam, "unsupported method %q", method)
	}

	timeout := deps.HTTP.DefaultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if secs := optIntParam(params, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if deps.HTTP.MaxTimeout > 0 && timeout > deps.HTTP.MaxTimeout {
		timeout = deps.HTTP.MaxTimeout
	}

	var body io.Reader
	if b := optStrParam(params, "body", ""); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidParam, err)
	}
	for k, v := range optMapParam(params, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       guard.dialContext,
			ForceAttemptHTTP2: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			// Redirect targets go through the same host checks; dial-time
			// IP checks cover the rest.
			return guard.checkHost(req.URL.Hostname())
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		var he *errs.Error
		if errors.As(err, &he) {
			return nil, he
		}
		if ctx.Err() != nil || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, errs.Newf(errs.KindTimeout, "request to %s timed out after %s", parsed.Host, timeout)
		}
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer resp.Body.Close()

	maxBytes := deps.HTTP.MaxResponseSizeKB * 1024
	if maxBytes <= 0 {
		maxBytes = 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"url":       rawURL,
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      string(data),
		"truncated": truncated,
	}, nil
}
