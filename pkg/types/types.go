package types

import (
	"regexp"
	"time"
)

// StationID is a callsign-like station identity. Licensed stations may
// transmit and relay; unlicensed stations are receive-only.
type StationID string

type UpdateID string
type SubscriptionID string
type RetryRequestID string
type CacheEntryID string

// Priority runs from 0 (most urgent) to 5 (routine). It controls TTL,
// channel band assignment and eviction precedence.
type Priority int

const (
	PriorityEmergency Priority = 0
	PriorityUrgent    Priority = 1
	PriorityHigh      Priority = 2
	PriorityNormal    Priority = 3
	PriorityLow       Priority = 4
	PriorityRoutine   Priority = 5

	MinPriority Priority = PriorityEmergency
	MaxPriority Priority = PriorityRoutine
)

// Valid reports whether p is inside the supported priority range.
func (p Priority) Valid() bool {
	return p >= MinPriority && p <= MaxPriority
}

// PriorityWildcard marks a subscription interested in every priority.
const PriorityWildcard Priority = -1

// CategoryWildcard marks a subscription interested in every category.
const CategoryWildcard = "*"

// TransmissionMode selects the transport used to reach a station.
type TransmissionMode string

const (
	ModeRF     TransmissionMode = "rf"
	ModeWebRTC TransmissionMode = "webrtc"
)

// DeliveryState tracks a target through a routing pass.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySuccess DeliveryState = "success"
	DeliveryFailed  DeliveryState = "failed"
)

// TTLForPriority returns the retention for a prioritized update. The
// beacon-content table below is deliberately different; the two entity
// kinds keep separate tables.
func TTLForPriority(p Priority) time.Duration {
	switch p {
	case PriorityEmergency:
		return 30 * 24 * time.Hour
	case PriorityUrgent:
		return 7 * 24 * time.Hour
	case PriorityHigh:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// BeaconTTLForPriority returns the retention for beacon content. Keyed
// by the same priority scale but numerically distinct from the update
// table; the two must stay separate.
func BeaconTTLForPriority(p Priority) time.Duration {
	switch p {
	case PriorityEmergency:
		return 30 * 24 * time.Hour
	case PriorityUrgent:
		return 14 * 24 * time.Hour
	case PriorityHigh:
		return 7 * 24 * time.Hour
	case PriorityNormal:
		return 14 * 24 * time.Hour
	case PriorityLow:
		return 3 * 24 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Update is a prioritized, signed payload distributed across the mesh.
type Update struct {
	ID             UpdateID
	Version        uint64 // monotonic per lineage
	Priority       Priority
	Category       string
	Payload        []byte
	CompressedSize int64
	Originator     StationID
	Subscribers    []StationID // explicit recipients, merged with registry matches
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Signature      []byte
}

// Size returns the byte size used for cache budgeting. CompressedSize
// wins when the payload travels compressed.
func (u *Update) Size() int64 {
	if u.CompressedSize > 0 {
		return u.CompressedSize
	}
	return int64(len(u.Payload))
}

// Expired reports whether the update is past its TTL at the given time.
func (u *Update) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// Stamp sets CreatedAt/ExpiresAt from the priority TTL table.
func (u *Update) Stamp(now time.Time) {
	u.CreatedAt = now
	u.ExpiresAt = now.Add(TTLForPriority(u.Priority))
}

// FilterField names the update attribute a subscription filter inspects.
type FilterField string

const (
	FilterCategory FilterField = "category"
	FilterPriority FilterField = "priority"
	FilterKeyword  FilterField = "keyword"
	FilterSize     FilterField = "size_limit"
)

// FilterAction is the polarity of a subscription filter.
type FilterAction string

const (
	FilterInclude FilterAction = "include"
	FilterExclude FilterAction = "exclude"
)

// Filter is one predicate in a subscription's ordered filter chain.
type Filter struct {
	Field     FilterField
	Action    FilterAction
	Values    []string
	SizeLimit int64 // bytes, FilterSize only
}

// DeliveryConfig carries the per-subscription delivery knobs. Values
// outside the clamped ranges are normalized at creation time.
type DeliveryConfig struct {
	QueueSize    int
	RetryCount   int
	RetryDelayMs int
}

// Subscription is a station's interest profile.
type Subscription struct {
	ID         SubscriptionID
	Subscriber StationID // empty for an unlicensed, receive-only listener
	Categories []string  // CategoryWildcard matches everything
	Priorities []Priority
	Keywords   []string
	MaxSize    int64
	Filters    []Filter
	Delivery   DeliveryConfig

	DeliveryCount  int64
	FailureCount   int64
	LastDeliveryAt time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
	IsActive  bool
}

// Expired reports whether the subscription is past its TTL.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CacheEntry records one station's cached copy of an update.
type CacheEntry struct {
	ID           CacheEntryID
	UpdateID     UpdateID
	Station      StationID
	CachedAt     time.Time
	ExpiresAt    time.Time // copied from the update
	AccessCount  int64
	LastAccessed time.Time
	Size         int64
	Priority     Priority
}

// Expired reports whether the entry is logically absent.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// RetryRequest is an "I missed update X" recovery request with a
// collision-avoiding coordination window.
type RetryRequest struct {
	ID                 RetryRequestID
	UpdateID           UpdateID
	Version            uint64
	Requester          StationID
	CoordinationWindow int // seconds
	RequestedAt        time.Time
	Fulfilled          bool
	Fulfiller          StationID
	Mode               TransmissionMode
	FulfilledAt        time.Time
}

// DeliveryTarget is the ephemeral per-routing-pass plan for one station.
type DeliveryTarget struct {
	Station            StationID
	Mode               TransmissionMode
	Hops               []StationID
	HopCount           int
	CanRetransmit      bool
	SourceStation      StationID
	ScheduledTime      time.Time
	TransmissionDelay  time.Duration
	CollisionAvoidance bool
	Status             DeliveryState
}

// BeaconPath is the radio-path record gossiped by beacons: how a remote
// station was last heard and through whom. Owned by the beacon layer,
// consumed by the delivery router.
type BeaconPath struct {
	Station        StationID
	Hops           []StationID
	HopCount       int
	SignalStrength float64 // dB SNR at last reception
	Priority       Priority
	LastHeard      time.Time
}

// Expired applies the beacon-content TTL table to the path record.
func (b *BeaconPath) Expired(now time.Time) bool {
	return now.Sub(b.LastHeard) >= BeaconTTLForPriority(b.Priority)
}

var emergencyIDPattern = regexp.MustCompile(`^EMRG-[0-9]{4}-[0-9]{3}$`)

// IsEmergencyID reports whether id follows the EMRG-####-### convention
// used for emergency-category updates.
func IsEmergencyID(id UpdateID) bool {
	return emergencyIDPattern.MatchString(string(id))
}
