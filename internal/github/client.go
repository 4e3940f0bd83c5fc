// Package github authenticates HostBridge's git tool category against
// GitHub as a GitHub App: it signs an app JWT, exchanges it for a
// cached installation token, and rewrites github.com clone URLs to
// carry that token. Tool handlers never see the private key; they only
// receive token-bearing URLs.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const apiBase = "https://api.github.com"

type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client

	mu    sync.Mutex
	token string
	expAt time.Time
}

// NewClient loads the app's private key from keyPath. installationID
// may be zero, in which case it is discovered on first use (only valid
// when the app has exactly one installation).
func NewClient(appID, installationID int64, keyPath string) (*Client, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &Client{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	pkcs8Key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// SECURITY: JWT signed with RS256 per GitHub App spec.
// 10 min expiry; refreshed with 1 min safety buffer.
func (c *Client) makeJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type installationInfo struct {
	ID int64 `json:"id"`
}

func (c *Client) ensureInstallationID(ctx context.Context) error {
	if c.installationID != 0 {
		return nil
	}

	jwtStr, err := c.makeJWT()
	if err != nil {
		return fmt.Errorf("sign JWT: %w", err)
	}

	resp, err := c.appRequest(ctx, http.MethodGet, apiBase+"/app/installations?per_page=100", jwtStr)
	if err != nil {
		return fmt.Errorf("discover installation id: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discover installation id HTTP %d: %s", resp.StatusCode, body)
	}

	var installations []installationInfo
	if err := json.NewDecoder(resp.Body).Decode(&installations); err != nil {
		return fmt.Errorf("decode installations response: %w", err)
	}
	if len(installations) == 0 {
		return fmt.Errorf("no installation found for this GitHub App")
	}
	if len(installations) > 1 {
		return fmt.Errorf("multiple installations found (%d), set the installation id explicitly", len(installations))
	}

	c.installationID = installations[0].ID
	return nil
}

// InstallationToken returns a current installation token, minting a new
// one when the cached token is within a minute of expiry.
func (c *Client) InstallationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureInstallationID(ctx); err != nil {
		return "", err
	}
	if c.token != "" && time.Now().Before(c.expAt.Add(-time.Minute)) {
		return c.token, nil
	}

	jwtStr, err := c.makeJWT()
	if err != nil {
		return "", fmt.Errorf("sign JWT: %w", err)
	}

	tokenURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, c.installationID)
	const maxAttempts = 4

	// Token minting retries on 429 and 5xx with jittered exponential
	// backoff, honoring Retry-After; anything else fails immediately.
	var lastStatus int
	var lastBody []byte
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.appRequest(ctx, http.MethodPost, tokenURL, jwtStr)
		if err != nil {
			return "", fmt.Errorf("request installation token: %w", err)
		}

		if resp.StatusCode == http.StatusCreated {
			var tok installationTokenResponse
			err := json.NewDecoder(resp.Body).Decode(&tok)
			resp.Body.Close()
			if err != nil {
				return "", fmt.Errorf("decode token response: %w", err)
			}
			c.token = tok.Token
			c.expAt = tok.ExpiresAt
			return c.token, nil
		}

		lastStatus = resp.StatusCode
		lastBody, _ = io.ReadAll(resp.Body)
		resp.Body.Close()

		retryAfter := retryAfterDuration(resp)
		if attempt < maxAttempts && isRetryableStatus(resp.StatusCode) {
			if !sleepWithBackoff(ctx, attempt, retryAfter) {
				return "", ctx.Err()
			}
			continue
		}
		break
	}
	return "", fmt.Errorf("installation token HTTP %d: %s", lastStatus, lastBody)
}

func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithBackoff(ctx context.Context, attempt int, retryAfter time.Duration) bool {
	base := 250 * time.Millisecond
	max := 5 * time.Second
	backoff := base * time.Duration(1<<(attempt-1))
	if backoff > max {
		backoff = max
	}
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	wait := backoff + jitter
	if retryAfter > wait {
		wait = retryAfter
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) appRequest(ctx context.Context, method, url, jwtStr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtStr)
	req.Header.Set("Accept", "application/vnd.github+json")
	return c.httpClient.Do(req)
}

// AuthenticatedCloneURL rewrites an https github.com URL to embed an
// x-access-token credential. Non-GitHub and non-https URLs pass through
// untouched, so the git tools work against any remote.
func (c *Client) AuthenticatedCloneURL(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	if parsed.Scheme != "https" || !isGitHubHost(parsed.Hostname()) {
		return rawURL, nil
	}

	token, err := c.InstallationToken(ctx)
	if err != nil {
		return "", err
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

func isGitHubHost(host string) bool {
	host = strings.ToLower(host)
	return host == "github.com" || strings.HasSuffix(host, ".github.com")
}
