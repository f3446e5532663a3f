package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradingagents/internal/execution"
	"tradingagents/internal/models"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// toolCacheTTLs sets how long each tool's data stays fresh. Prices move fast,
// news and sentiment slowly.
var toolCacheTTLs = map[string]time.Duration{
	"get_crypto_price_data":         60 * time.Second,
	"get_crypto_market_data":        30 * time.Second,
	"get_crypto_orderbook":          10 * time.Second,
	"calculate_crypto_indicators":   5 * time.Minute,
	"get_crypto_news":               15 * time.Minute,
	"get_crypto_social_sentiment":   10 * time.Minute,
	"analyze_crypto_news_sentiment": 15 * time.Minute,
	"get_market_fear_greed_index":   time.Hour,
}

// newsTools are served by the news server; every other tool goes to the crypto server
var newsTools = map[string]bool{
	"get_crypto_news":               true,
	"get_crypto_social_sentiment":   true,
	"analyze_crypto_news_sentiment": true,
	"get_market_fear_greed_index":   true,
}

// ToolCache is a shared second-level cache for tool results
type ToolCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// ToolClientConfig configures a ToolClient
type ToolClientConfig struct {
	CryptoServerURL string
	NewsServerURL   string
	DefaultTTL      time.Duration
	RatePerSecond   float64       // per tool server
	Timeout         time.Duration
	BreakerCooldown time.Duration // how long a failing server is skipped before a trial call
}

// ToolClient calls market-data and news tool servers over HTTP
// (POST {server}/tools/{name}) with two cache levels: an in-process cache
// and an optional shared Redis cache.
type ToolClient struct {
	cfg        ToolClientConfig
	httpClient *http.Client
	memory     *cache.Cache
	shared     ToolCache
	limiters   sync.Map // server URL -> *rate.Limiter
	breaker    *execution.CircuitBreaker
	metrics    *Metrics
}

// NewToolClient creates a tool client. shared may be nil.
func NewToolClient(cfg ToolClientConfig, shared ToolCache, metrics *Metrics) *ToolClient {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.CryptoServerURL = strings.TrimSuffix(cfg.CryptoServerURL, "/")
	cfg.NewsServerURL = strings.TrimSuffix(cfg.NewsServerURL, "/")

	return &ToolClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		memory:     cache.New(cfg.DefaultTTL, 10*time.Minute),
		shared:     shared,
		breaker:    execution.NewCircuitBreaker(5, cfg.BreakerCooldown),
		metrics:    metrics,
	}
}

// ServerFor returns the base URL of the server hosting a tool
func (c *ToolClient) ServerFor(tool string) string {
	if newsTools[tool] {
		return c.cfg.NewsServerURL
	}
	return c.cfg.CryptoServerURL
}

// CacheTTL returns how long results of a tool are cached
func (c *ToolClient) CacheTTL(tool string) time.Duration {
	if ttl, ok := toolCacheTTLs[tool]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// CacheKey builds the cache key for a call; map keys marshal in sorted order
func CacheKey(tool string, args map[string]any) string {
	params, err := json.Marshal(args)
	if err != nil {
		params = []byte(fmt.Sprintf("%v", args))
	}
	return "mcp:" + tool + ":" + string(params)
}

// CallTool returns the tool's result, from cache when fresh
func (c *ToolClient) CallTool(ctx context.Context, name string, args map[string]any) (models.ToolResult, error) {
	key := CacheKey(name, args)
	ttl := c.CacheTTL(name)

	if v, found := c.memory.Get(key); found {
		c.metrics.RecordToolRequest(name, "hit_memory")
		return v.(models.ToolResult), nil
	}

	if c.shared != nil {
		raw, err := c.shared.Get(ctx, key)
		switch {
		case err == nil:
			var result models.ToolResult
			if jsonErr := json.Unmarshal([]byte(raw), &result); jsonErr == nil {
				c.memory.Set(key, result, ttl)
				c.metrics.RecordToolRequest(name, "hit_redis")
				return result, nil
			}
		case !errors.Is(err, redis.Nil):
			log.Printf("⚠️ [CACHE] Redis lookup failed for %s: %v", name, err)
		}
	}

	result, err := c.fetch(ctx, name, args)
	if err != nil {
		c.metrics.RecordToolRequest(name, "error")
		return nil, err
	}
	c.metrics.RecordToolRequest(name, "miss")

	c.memory.Set(key, result, ttl)
	if c.shared != nil {
		if data, err := json.Marshal(result); err == nil {
			if err := c.shared.Set(ctx, key, data, ttl); err != nil {
				log.Printf("⚠️ [CACHE] Redis store failed for %s: %v", name, err)
			}
		}
	}
	return result, nil
}

func (c *ToolClient) limiter(server string) *rate.Limiter {
	if l, ok := c.limiters.Load(server); ok {
		return l.(*rate.Limiter)
	}
	burst := int(c.cfg.RatePerSecond * 2)
	if burst < 1 {
		burst = 1
	}
	l, _ := c.limiters.LoadOrStore(server, rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), burst))
	return l.(*rate.Limiter)
}

func (c *ToolClient) fetch(ctx context.Context, name string, args map[string]any) (models.ToolResult, error) {
	server := c.ServerFor(name)
	if server == "" {
		return nil, fmt.Errorf("no server configured for tool %s", name)
	}
	if !c.breaker.Allow(server) {
		return nil, &execution.UpstreamError{
			Category: execution.ErrorCategoryTransient,
			Message:  fmt.Sprintf("tool server %s unavailable (circuit open)", server),
		}
	}

	if err := c.limiter(server).Wait(ctx); err != nil {
		c.breaker.Release(server)
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		c.breaker.Release(server)
		return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/tools/"+name, bytes.NewReader(body))
	if err != nil {
		c.breaker.Release(server)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Release(server)
		} else {
			c.breaker.RecordFailure(server)
		}
		return nil, execution.ClassifyError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.breaker.RecordFailure(server)
		return nil, execution.ClassifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		upstream := execution.ClassifyHTTPError(resp.StatusCode, string(respBody))
		if upstream.Retryable {
			c.breaker.RecordFailure(server)
		} else {
			// The server answered; the request itself was bad
			c.breaker.RecordSuccess(server)
		}
		log.Printf("⚠️ [TOOLS] %s returned %d", name, resp.StatusCode)
		return nil, upstream
	}
	c.breaker.RecordSuccess(server)

	var result models.ToolResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	// Tool servers report data-source failures in-band
	if msg, ok := result["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return result, nil
}
