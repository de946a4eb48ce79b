package models

import "time"

// SystemMetrics is a lightweight aggregate snapshot exposed on the admin API
// alongside the full Prometheus scrape endpoint.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	QueueMessagesTotal       uint64    `json:"queueMessagesTotal"`
	QueueMessagesFailed      uint64    `json:"queueMessagesFailed"`
	ExtensionsApplied        uint64    `json:"extensionsApplied"`
	ExtensionsRemoved        uint64    `json:"extensionsRemoved"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}
