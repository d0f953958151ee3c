// Package geo — IP → регион/страна для новых mesh-серверов.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"orbmesh/internal/logs"

	"github.com/sirupsen/logrus"
)

type Location struct {
	Region  string `json:"region"`
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

// Unknown — fallback для приватных/некорректных адресов и ошибок lookup.
var Unknown = Location{Region: "unknown", Country: "XX"}

type Resolver interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// Static всегда отвечает одной локацией.
type Static Location

func (s Static) Lookup(context.Context, string) (Location, error) { return Location(s), nil }

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
}

const DefaultMaxCacheSize = 1000

// IPAPI — lookup через ip-api.com с LRU-кэшем и лимитом запросов в минуту.
type IPAPI struct {
	baseURL              string
	client               *http.Client
	cache                map[string]Location
	accessOrder          []string // oldest first
	maxCacheSize         int
	maxRequestsPerMinute int
	requestCount         int
	windowStart          time.Time
	mu                   sync.Mutex
}

func NewIPAPI(baseURL string) *IPAPI {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json/"
	}
	return &IPAPI{
		baseURL:              baseURL,
		client:               &http.Client{Timeout: 5 * time.Second},
		cache:                make(map[string]Location),
		maxCacheSize:         DefaultMaxCacheSize,
		maxRequestsPerMinute: 40, // free tier: 45/min
	}
}

// Lookup никогда не возвращает пустую локацию: при любой неудаче — Unknown и ошибка (для логов).
func (c *IPAPI) Lookup(ctx context.Context, ip string) (Location, error) {
	if host, _, err := net.SplitHostPort(ip); err == nil && host != "" {
		ip = host
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Unknown, fmt.Errorf("invalid ip %q", ip)
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified() {
		return Unknown, nil
	}
	ip = parsed.String()

	c.mu.Lock()
	if loc, ok := c.cache[ip]; ok {
		c.moveToEnd(ip)
		c.mu.Unlock()
		return loc, nil
	}
	now := time.Now()
	if now.Sub(c.windowStart) > time.Minute {
		c.requestCount = 0
		c.windowStart = now
	}
	if c.requestCount >= c.maxRequestsPerMinute {
		c.mu.Unlock()
		return Unknown, fmt.Errorf("geo lookup rate limited")
	}
	c.requestCount++
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ip+"?fields=status,message,countryCode,regionName,city", nil)
	if err != nil {
		return Unknown, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Unknown, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Unknown, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var out ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Unknown, fmt.Errorf("decode response: %w", err)
	}
	if out.Status != "success" {
		logs.Logger.WithFields(logrus.Fields{"ip": ip, "reason": out.Message}).Debug("geo lookup failed")
		return Unknown, nil
	}

	loc := Location{Region: out.RegionName, Country: strings.ToUpper(out.CountryCode), City: out.City}
	if loc.Region == "" {
		loc.Region = Unknown.Region
	}
	if loc.Country == "" {
		loc.Country = Unknown.Country
	}

	c.mu.Lock()
	for len(c.cache) >= c.maxCacheSize && len(c.accessOrder) > 0 {
		oldest := c.accessOrder[0]
		c.accessOrder = c.accessOrder[1:]
		delete(c.cache, oldest)
	}
	c.cache[ip] = loc
	c.accessOrder = append(c.accessOrder, ip)
	c.mu.Unlock()
	return loc, nil
}

// moveToEnd — c.mu должен быть захвачен.
func (c *IPAPI) moveToEnd(ip string) {
	for i, v := range c.accessOrder {
		if v == ip {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			c.accessOrder = append(c.accessOrder, ip)
			return
		}
	}
}

func (c *IPAPI) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
