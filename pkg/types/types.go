// Package types defines the core data model shared across PBS: the
// budget-key cache hierarchy, transactions, journal records, and the
// partition lease. Most other packages import this one; it imports
// nothing from the rest of the module.
package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUID is a 128-bit identifier. It wraps google/uuid.UUID so
// generation, parsing, and string rendering follow RFC 4122, while
// High/Low give the journal codec the two-uint64 halves its wire
// format encodes. The zero value is the reserved, never-assigned id.
type UUID struct {
	id uuid.UUID
}

// Zero is the reserved zero UUID.
var Zero UUID

// NewUUID generates a random v4 id.
func NewUUID() (UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Zero, fmt.Errorf("generate uuid: %w", err)
	}
	return UUID{id: id}, nil
}

// componentNamespace roots every name-derived component id this module
// hands out, so two different PBS deployments never collide even if
// they happen to pick the same name string.
var componentNamespace = uuid.MustParse("5a1c6e0e-6b0a-4e7d-9f1b-2a9b6e2d6c41")

// NewComponentUUID derives a fixed, deterministic v5 id from name. Used
// for journal subscriber component ids (spec §4.8 "a fixed component
// id"): the same name must always produce the same id so a restarted
// process's subscribers match the component ids stamped in journal
// records written by a previous run.
func NewComponentUUID(name string) UUID {
	return UUID{id: uuid.NewSHA1(componentNamespace, []byte(name))}
}

// High returns the most-significant 64 bits, for wire encoding.
func (u UUID) High() uint64 {
	return binary.BigEndian.Uint64(u.id[0:8])
}

// Low returns the least-significant 64 bits, for wire encoding.
func (u UUID) Low() uint64 {
	return binary.BigEndian.Uint64(u.id[8:16])
}

// UUIDFromParts reconstructs a UUID from its two wire halves, the
// inverse of High/Low.
func UUIDFromParts(high, low uint64) UUID {
	var u UUID
	binary.BigEndian.PutUint64(u.id[0:8], high)
	binary.BigEndian.PutUint64(u.id[8:16], low)
	return u
}

// IsZero reports whether this is the reserved zero UUID.
func (u UUID) IsZero() bool {
	return u.id == uuid.Nil
}

// String renders the canonical 8-4-4-4-12 hex form.
func (u UUID) String() string {
	return u.id.String()
}

// ParseUUID parses the canonical string form produced by String.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Zero, fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return UUID{id: id}, nil
}

// BudgetKeyName is an opaque, bytewise-compared identifier for a budget
// key. It is never parsed or interpreted by PBS.
type BudgetKeyName string

// MaxTokenCount is the compile-time cap on the token balance held by a
// single hourly bucket. Every deployment of this spec has only ever
// configured it to 1; the arithmetic below is written generically
// against it rather than against a literal 1 so raising it is a
// one-line change.
const MaxTokenCount = 1

// TokenCount is a non-negative token balance, never exceeding MaxTokenCount.
type TokenCount = int64

// HoursPerDay is the number of hourly buckets in a TimeframeGroup.
const HoursPerDay = 24

const (
	nanosPerHour = int64(3_600_000_000_000)
	nanosPerDay  = int64(86_400_000_000_000)
)

// TimeGroup is the whole UTC day (since epoch) a reporting timestamp
// falls in.
type TimeGroup int64

// TimeBucket is the hour-of-day index (0-23) a reporting timestamp falls in.
type TimeBucket int

// ReportingTime is a nanosecond Unix timestamp supplied by a client.
type ReportingTime int64

// Group returns the whole-day bucket this timestamp belongs to.
func (t ReportingTime) Group() TimeGroup {
	return TimeGroup(int64(t) / nanosPerDay)
}

// Bucket returns the hour-of-day index this timestamp belongs to.
func (t ReportingTime) Bucket() TimeBucket {
	return TimeBucket((int64(t) / nanosPerHour) % HoursPerDay)
}

// BudgetKeyTimeframe is one hourly bucket of a day's cached budget data.
// ActiveTransactionID != Zero iff some transaction currently holds the
// reservation on this hour.
type BudgetKeyTimeframe struct {
	HourIndex           TimeBucket
	TokenCount          TokenCount
	ActiveTokenCount    TokenCount
	ActiveTransactionID UUID
}

// HasActiveTransaction reports whether some transaction holds this hour's lock.
func (t *BudgetKeyTimeframe) HasActiveTransaction() bool {
	return !t.ActiveTransactionID.IsZero()
}

// SerializeTokenCounts renders 24 token counts as 24 space-separated
// decimals, matching the NoSQL row attribute format in spec §6.
func SerializeTokenCounts(counts [HoursPerDay]TokenCount) string {
	parts := make([]string, HoursPerDay)
	for i, c := range counts {
		parts[i] = strconv.FormatInt(c, 10)
	}
	return strings.Join(parts, " ")
}

// DeserializeTokenCounts parses the 24 space-separated decimals format.
// Any length other than 24 is rejected.
func DeserializeTokenCounts(s string) ([HoursPerDay]TokenCount, error) {
	var out [HoursPerDay]TokenCount
	fields := strings.Fields(s)
	if len(fields) != HoursPerDay {
		return out, fmt.Errorf("deserialize token counts: expected %d fields, got %d", HoursPerDay, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return out, fmt.Errorf("deserialize token counts: field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// BudgetKeyTimeframeGroup is the cached data for one key's single day:
// up to 24 BudgetKeyTimeframe entries plus the single-loader coordination
// state described in spec §4.5.
type BudgetKeyTimeframeGroup struct {
	TimeGroup   TimeGroup
	Timeframes  map[TimeBucket]*BudgetKeyTimeframe
	IsLoaded    bool
	NeedsLoader bool
}

// NewBudgetKeyTimeframeGroup returns the sentinel group inserted on first
// access: needs a loader, not yet loaded.
func NewBudgetKeyTimeframeGroup(tg TimeGroup) *BudgetKeyTimeframeGroup {
	return &BudgetKeyTimeframeGroup{
		TimeGroup:   tg,
		Timeframes:  make(map[TimeBucket]*BudgetKeyTimeframe, HoursPerDay),
		NeedsLoader: true,
	}
}

// AnyActiveTransaction reports whether any hour in the group currently
// holds a reservation; a group must never be evicted while this is true.
func (g *BudgetKeyTimeframeGroup) AnyActiveTransaction() bool {
	for _, tf := range g.Timeframes {
		if tf.HasActiveTransaction() {
			return true
		}
	}
	return false
}

// ToCounts extracts the 24 hourly token counts in index order, for
// serialization back to the NoSQL row.
func (g *BudgetKeyTimeframeGroup) ToCounts() [HoursPerDay]TokenCount {
	var out [HoursPerDay]TokenCount
	for i := 0; i < HoursPerDay; i++ {
		if tf, ok := g.Timeframes[TimeBucket(i)]; ok {
			out[i] = tf.TokenCount
		} else {
			out[i] = MaxTokenCount
		}
	}
	return out
}

// TransactionPhase enumerates the 2PC state machine's states (spec §4.8).
type TransactionPhase string

const (
	PhaseNotStarted   TransactionPhase = "NOT_STARTED"
	PhaseBegin        TransactionPhase = "BEGIN"
	PhasePrepare      TransactionPhase = "PREPARE"
	PhaseCommit       TransactionPhase = "COMMIT"
	PhaseCommitNotify TransactionPhase = "COMMIT_NOTIFY"
	PhaseCommitted    TransactionPhase = "COMMITTED"
	PhaseAbortNotify  TransactionPhase = "ABORT_NOTIFY"
	PhaseAborted      TransactionPhase = "ABORTED"
	PhaseEnd          TransactionPhase = "END"
	// PhaseUnknown is reserved for status read-back of a phase that
	// could not be determined (e.g. transaction not found).
	PhaseUnknown TransactionPhase = "UNKNOWN"
)

// ConsumeBudgetCommandSpec is the (de)serializable description of one
// command within a transaction's command list — a single
// (budget_key, hour, tokens) tuple (spec §4.7).
type ConsumeBudgetCommandSpec struct {
	BudgetKeyName BudgetKeyName
	ReportingTime ReportingTime
	TokenCount    TokenCount
}

// TransactionOrigin records which coordinator created a transaction, for
// remote-coordination bookkeeping.
type TransactionOrigin struct {
	CoordinatorEndpoint string
	ClaimedIdentity     string
}

// Transaction is the in-memory (and journal-recovered) state of one 2PC
// transaction (spec §3 entity table).
type Transaction struct {
	ID                       UUID
	Secret                   string
	Origin                   TransactionOrigin
	Phase                    TransactionPhase
	Commands                 []ConsumeBudgetCommandSpec
	LastExecutionTimestamp   uint64
	IsCoordinatedRemotely    bool
	IsWaitingForRemote       bool
	ActiveCommandCount       int
	CurrentPhaseFailed       bool
	CurrentPhaseFailureCause string
	ExpirationTime           time.Time
}

// JournalLogStatus distinguishes an ordinary log record from a
// compaction checkpoint base.
type JournalLogStatus int

const (
	JournalLogStatusLog JournalLogStatus = iota
	JournalLogStatusCheckpoint
)

// JournalRecord is the unit of the write-ahead log (spec §4.4).
type JournalRecord struct {
	VersionMajor uint32
	VersionMinor uint32
	ComponentID  UUID
	LogID        UUID
	LogStatus    JournalLogStatus
	Body         []byte
}

// PartitionLease is the single NoSQL row electing one active instance
// per partition (spec §4.11).
type PartitionLease struct {
	LockID         string
	HolderID       string
	HolderEndpoint string
	LeaseExpiryUTC time.Time
}

// Expired reports whether the lease has passed its expiry at the given
// wall-clock instant.
func (l *PartitionLease) Expired(now time.Time) bool {
	return !now.Before(l.LeaseExpiryUTC)
}
