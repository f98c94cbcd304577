// Package statecache is the fast key-value view of current equipment state.
// It is authoritative for "what the UI sees now"; the time-series store is
// authoritative for history. Backed by Redis.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridian-controls/bmscore/internal/types"
)

// ErrNotFound is returned when a key has no value (or it expired).
var ErrNotFound = errors.New("state cache: key not found")

// DefaultStateTTL is the lifetime of live equipment state entries.
const DefaultStateTTL = 24 * time.Hour

// Normative key layout.
func EquipmentStateKey(id string) string   { return "equipment:" + id + ":state" }
func EquipmentLastModKey(id string) string { return "equipment:" + id + ":lastmod" }
func EquipmentOARKey(id string) string     { return "equipment:" + id + ":oar" }
func GroupLeadLagKey(id string) string     { return "group:" + id + ":lead-lag" }
func queueSnapshotKey(site string) string  { return "queue:" + site + ":snapshot" }

// Cache wraps the Redis client with the key layout and JSON codecs the core
// uses.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to the Redis instance at addr ("host:port").
func New(addr string) *Cache {
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: DefaultStateTTL,
	}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, ttl: DefaultStateTTL}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get fetches a raw value.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state cache get %s: %w", key, err)
	}
	return v, nil
}

// SetEx stores a raw value with the given TTL.
func (c *Cache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state cache set %s: %w", key, err)
	}
	return nil
}

// EquipmentState is the JSON blob stored under equipment:<id>:state.
type EquipmentState struct {
	Fields         map[string]types.FieldValue `json:"fields"`
	LastModified   time.Time                   `json:"lastModified"`
	ModifiedBy     string                      `json:"modifiedBy"`
	ModifiedByName string                      `json:"modifiedByName"`
}

// GetEquipmentState loads the current state blob for a unit.
func (c *Cache) GetEquipmentState(ctx context.Context, equipmentID string) (*EquipmentState, error) {
	raw, err := c.Get(ctx, EquipmentStateKey(equipmentID))
	if err != nil {
		return nil, err
	}
	var st EquipmentState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("state cache decode %s: %w", equipmentID, err)
	}
	return &st, nil
}

// MergeEquipmentState applies a partial state update: existing fields are
// kept, given fields overwrite, and last-modified metadata is refreshed.
// The write is idempotent for identical payloads.
func (c *Cache) MergeEquipmentState(ctx context.Context, equipmentID string, partial map[string]types.FieldValue, modifiedBy, modifiedByName string, now time.Time) error {
	st, err := c.GetEquipmentState(ctx, equipmentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if st == nil {
		st = &EquipmentState{Fields: make(map[string]types.FieldValue)}
	}
	if st.Fields == nil {
		st.Fields = make(map[string]types.FieldValue)
	}
	for k, v := range partial {
		st.Fields[k] = v
	}
	st.LastModified = now
	st.ModifiedBy = modifiedBy
	st.ModifiedByName = modifiedByName

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state cache encode %s: %w", equipmentID, err)
	}
	if err := c.SetEx(ctx, EquipmentStateKey(equipmentID), string(raw), c.ttl); err != nil {
		return err
	}
	return c.SetEx(ctx, EquipmentLastModKey(equipmentID), now.UTC().Format(time.RFC3339Nano), c.ttl)
}

// SetOARSetpoint mirrors the computed outdoor-air-reset setpoint.
func (c *Cache) SetOARSetpoint(ctx context.Context, equipmentID string, setpoint float64) error {
	return c.SetEx(ctx, EquipmentOARKey(equipmentID), fmt.Sprintf("%g", setpoint), c.ttl)
}

// GetOARSetpoint reads the mirrored OAR setpoint.
func (c *Cache) GetOARSetpoint(ctx context.Context, equipmentID string) (float64, error) {
	raw, err := c.Get(ctx, EquipmentOARKey(equipmentID))
	if err != nil {
		return 0, err
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return 0, fmt.Errorf("state cache oar decode %s: %w", equipmentID, err)
	}
	return v, nil
}

// GroupLeadState is the persisted lead-lag snapshot for a group. The check
// timestamps carry the health and rotation cooldowns across evaluations;
// without them every job would re-probe the lead.
type GroupLeadState struct {
	CurrentLeadID       string    `json:"current-lead-id"`
	LastRotationAt      time.Time `json:"last-rotation-at"`
	LastFailoverAt      time.Time `json:"last-failover-at"`
	FailoverCount       int       `json:"failover-count"`
	LastHealthCheckAt   time.Time `json:"last-health-check-at"`
	LastRotationCheckAt time.Time `json:"last-rotation-check-at"`
}

// PutGroupLeadState persists a group snapshot after a transition.
func (c *Cache) PutGroupLeadState(ctx context.Context, groupID string, st GroupLeadState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state cache encode group %s: %w", groupID, err)
	}
	return c.SetEx(ctx, GroupLeadLagKey(groupID), string(raw), c.ttl)
}

// GetGroupLeadState loads a group snapshot, if one was persisted.
func (c *Cache) GetGroupLeadState(ctx context.Context, groupID string) (*GroupLeadState, error) {
	raw, err := c.Get(ctx, GroupLeadLagKey(groupID))
	if err != nil {
		return nil, err
	}
	var st GroupLeadState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("state cache decode group %s: %w", groupID, err)
	}
	return &st, nil
}

// PutQueueSnapshot persists serialized pending jobs for a site so that
// work survives a restart.
func (c *Cache) PutQueueSnapshot(ctx context.Context, siteID string, data []byte) error {
	return c.SetEx(ctx, queueSnapshotKey(siteID), string(data), c.ttl)
}

// GetQueueSnapshot loads the persisted jobs for a site.
func (c *Cache) GetQueueSnapshot(ctx context.Context, siteID string) ([]byte, error) {
	raw, err := c.Get(ctx, queueSnapshotKey(siteID))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}
