package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind enumerates recorded movement kinds.
type MovementKind string

const (
	// KindInbound represents supply entering a lot.
	KindInbound MovementKind = "in"
	// KindOutbound represents consumption drawn from a specific inbound movement.
	KindOutbound MovementKind = "out"
	// KindBackorder represents outbound quantity that could not be matched to
	// any open inbound supply. It carries no consumption link and no unit
	// cost, so cost reporting must treat it as a cost-basis gap.
	KindBackorder MovementKind = "backorder"
)

// CostOrder selects which open inbound movement is consumed first.
type CostOrder string

const (
	// FIFO consumes the oldest inbound supply first.
	FIFO CostOrder = "fifo"
	// LIFO consumes the newest inbound supply first.
	LIFO CostOrder = "lifo"
)

// LotKey identifies a lot. Company, item and location are opaque matching
// keys; expiry distinguishes batches of the same item at the same place.
type LotKey struct {
	CompanyID string
	ItemID    string
	Location  string
	Expiry    *time.Time
}

// Dimension strips the expiry from the key. Outbound consumption matches
// on the dimension only; expiry is deliberately not consumption-aware.
func (k LotKey) Dimension() LotDimension {
	return LotDimension{CompanyID: k.CompanyID, ItemID: k.ItemID, Location: k.Location}
}

// LotDimension groups every lot sharing company, item and location.
type LotDimension struct {
	CompanyID string
	ItemID    string
	Location  string
}

// Lot is a tracked quantity bucket. Its quantity always equals the sum of
// inbound movement quantities minus the sum of outbound movement
// quantities for the lot.
type Lot struct {
	ID        int64
	Key       LotKey
	Quantity  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Movement is one recorded quantity change against a lot. Quantity is
// always positive; the kind determines its sign in balance terms. Used
// accumulates on inbound movements only and never exceeds Quantity.
type Movement struct {
	ID           int64
	LotID        int64
	Kind         MovementKind
	Date         time.Time
	Quantity     decimal.Decimal
	Used         decimal.Decimal
	UnitCost     decimal.Decimal
	Reference    string
	ConsumedFrom *int64
	Note         string
	CreatedAt    time.Time
}

// Open reports the not-yet-consumed quantity of an inbound movement.
func (m Movement) Open() decimal.Decimal {
	return m.Quantity.Sub(m.Used)
}

// DailySnapshot materialises a lot's balance for one calendar date.
// Closing = Opening + TotalIn - TotalOut, and the opening of a date is
// the closing of the previous snapshotted date.
type DailySnapshot struct {
	LotID    int64
	Date     time.Time
	Opening  decimal.Decimal
	TotalIn  decimal.Decimal
	TotalOut decimal.Decimal
	Closing  decimal.Decimal
}

// MovementFilter narrows movement history queries.
type MovementFilter struct {
	Dimension LotDimension
	Kind      MovementKind
	From      time.Time
	To        time.Time
	Limit     int
}

// DateOnly truncates t to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ErrLotNotFound indicates no lot matches the requested key or dimension.
var ErrLotNotFound = errors.New("stock: lot not found")

// ErrMovementNotFound indicates a movement id does not exist.
var ErrMovementNotFound = errors.New("stock: movement not found")

// ErrInsufficientStock triggered when a request exceeds open supply and
// negative stock is not allowed.
var ErrInsufficientStock = errors.New("stock: insufficient stock")

// ErrReferenceMissing indicates an outbound movement whose consumption
// link points at a movement that no longer exists.
var ErrReferenceMissing = errors.New("stock: consumed movement missing")

// ErrConsumedReference indicates an inbound movement that cannot be
// reversed because downstream consumption still references it.
var ErrConsumedReference = errors.New("stock: movement has downstream consumption")

// ErrIntegrity indicates an invariant breach that should not occur under
// correct locking. Checked defensively.
var ErrIntegrity = errors.New("stock: integrity violation")

// ErrSnapshotNotFound indicates no snapshot row exists for the query.
var ErrSnapshotNotFound = errors.New("stock: snapshot not found")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("stock: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("stock: unit cost must be >= 0")
