// Package httputil provides tuned HTTP clients for outbound provider calls.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// =============================================================================
// Optimized HTTP Client Pool
// =============================================================================

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int           // 최대 유휴 연결 수 (기본: 100)
	MaxIdleConnsPerHost int           // 호스트당 최대 유휴 연결 (기본: 20)
	MaxConnsPerHost     int           // 호스트당 최대 연결 (기본: 100)
	IdleConnTimeout     time.Duration // 유휴 연결 타임아웃 (기본: 90초)

	// Timeout settings
	DialTimeout         time.Duration // 연결 타임아웃 (기본: 10초)
	TLSHandshakeTimeout time.Duration // TLS 핸드셰이크 타임아웃 (기본: 10초)
	ResponseTimeout     time.Duration // 응답 타임아웃 (기본: 30초)

	// Keep-alive settings
	DisableKeepAlives bool          // Keep-alive 비활성화
	KeepAliveInterval time.Duration // Keep-alive 간격 (기본: 30초)
}

// DefaultClientConfig returns optimized default configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewOptimizedClient creates an optimized HTTP client with connection pooling.
func NewOptimizedClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true, // HTTP/2 우선 시도
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// =============================================================================
// Provider-Specific Client Configurations
// =============================================================================

// CompletionClientConfig returns configuration for LLM completion calls.
// Completions need long response timeouts but only moderate concurrency,
// since the classification fallback and insight analyzer gate their calls.
func CompletionClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     120 * time.Second, // Long timeout for LLM completions
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// EmbeddingClientConfig returns configuration for embedding calls.
// Embeddings return fast; a shorter timeout surfaces provider trouble
// before the per-email deadline does.
func EmbeddingClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// =============================================================================
// Global Shared Client Pool (Singleton)
// =============================================================================

var (
	defaultClient    *http.Client
	completionClient *http.Client
	embeddingClient  *http.Client
)

func init() {
	defaultClient = NewOptimizedClient(DefaultClientConfig())
	completionClient = NewOptimizedClient(CompletionClientConfig())
	embeddingClient = NewOptimizedClient(EmbeddingClientConfig())
}

// DefaultClient returns the shared default HTTP client.
func DefaultClient() *http.Client {
	return defaultClient
}

// CompletionClient returns the HTTP client for LLM completion calls.
func CompletionClient() *http.Client {
	return completionClient
}

// EmbeddingClient returns the HTTP client for embedding calls.
func EmbeddingClient() *http.Client {
	return embeddingClient
}

// =============================================================================
// Client Pool Statistics
// =============================================================================

// ClientPoolStats holds HTTP client pool statistics.
type ClientPoolStats struct {
	Name                string `json:"name"`
	MaxIdleConns        int    `json:"max_idle_conns"`
	MaxIdleConnsPerHost int    `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int    `json:"max_conns_per_host"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// GetAllPoolStats returns statistics for all HTTP client pools.
func GetAllPoolStats() []ClientPoolStats {
	return []ClientPoolStats{
		getPoolStats("default", DefaultClientConfig()),
		getPoolStats("completion", CompletionClientConfig()),
		getPoolStats("embedding", EmbeddingClientConfig()),
	}
}

func getPoolStats(name string, cfg *ClientConfig) ClientPoolStats {
	return ClientPoolStats{
		Name:                name,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		TimeoutSeconds:      int(cfg.ResponseTimeout.Seconds()),
	}
}
