package domain

import (
	"encoding/json"
	"time"
)

// Action types the queue knows how to replay. The set is closed but adding a
// type only requires a backend route, not a schema change.
const (
	ActionCreateOrder     = "create_order"
	ActionUpdateProduct   = "update_product"
	ActionAddToCart       = "add_to_cart"
	ActionCreateStore     = "create_store"
	ActionCreateUser      = "create_user"
	ActionCreateBooking   = "create_booking"
	ActionUpdateInventory = "update_inventory"
)

// TenantPlatform is the sentinel tenant id for platform-admin-scope actions.
const TenantPlatform = "platform"

const (
	PriorityLow      = 1
	PriorityDefault  = 3
	PriorityCritical = 5
)

// QueueEntry is one pending (or transiently retained synced) action.
type QueueEntry struct {
	ID             string
	ActionType     string
	TenantID       string
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int
	Synced         bool
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	SyncedAt       *time.Time
}

// Stats is a point-in-time summary of the queue. Failed counts pending
// entries whose retry count has reached the configured maximum.
type Stats struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Synced   int            `json:"synced"`
	Failed   int            `json:"failed"`
	ByType   map[string]int `json:"by_type"`
	ByTenant map[string]int `json:"by_tenant"`
}

// SyncResult summarizes one drain pass. Success is true only when every
// attempted entry synced.
type SyncResult struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Success bool `json:"success"`
}
