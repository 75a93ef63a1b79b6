package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raaihank/pii-guard/internal/audit"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeRedactionAudit carries one PII-free audit event
	EventTypeRedactionAudit EventType = "redaction_audit"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Data      interface{} `json:"data"`
}

// NewAuditEvent wraps an audit event for the feed
func NewAuditEvent(e audit.Event) Event {
	return Event{
		Type:      EventTypeRedactionAudit,
		Timestamp: e.Timestamp,
		TenantID:  e.TenantID,
		Data:      e,
	}
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type         string               `json:"type"`
	Subscription *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType   `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows audit events to a set of tenants
type EventFilter struct {
	Tenants []string `json:"tenants,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
}

// Subscribe replaces the client's subscription. nil receives everything.
func (c *Client) Subscribe(sub *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

// Wants reports whether the event passes the client's subscription
func (c *Client) Wants(event Event) bool {
	c.mu.RLock()
	sub := c.subscription
	c.mu.RUnlock()

	if sub == nil {
		return true
	}
	if len(sub.Events) > 0 {
		subscribed := false
		for _, t := range sub.Events {
			if t == event.Type {
				subscribed = true
				break
			}
		}
		if !subscribed {
			return false
		}
	}
	if sub.Filter == nil || len(sub.Filter.Tenants) == 0 || event.TenantID == "" {
		return true
	}
	for _, tenant := range sub.Filter.Tenants {
		if tenant == event.TenantID {
			return true
		}
	}
	return false
}
