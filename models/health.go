package models

import "time"

// HealthState is the lifecycle state of one venue connection.
type HealthState string

const (
	HealthConnecting   HealthState = "connecting"
	HealthConnected    HealthState = "connected"
	HealthDegraded     HealthState = "degraded"
	HealthReconnecting HealthState = "reconnecting"
	HealthDisconnected HealthState = "disconnected"
)

// ConnectionHealth describes one venue connection as last reported by its
// supervising goroutine. Values handed out by the aggregator are copies.
type ConnectionHealth struct {
	Venue               Venue       `json:"venue"`
	State               HealthState `json:"state"`
	Reason              string      `json:"reason,omitempty"`
	Attempt             int         `json:"attempt,omitempty"`
	NextRetryAt         time.Time   `json:"next_retry_at,omitempty"`
	LastMessageAt       time.Time   `json:"last_message_at,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}
