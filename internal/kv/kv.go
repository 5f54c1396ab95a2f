// Package kv holds the shared value types for the weft key-value engine.
//
// The concrete storage implementation lives in the storage/sqlite
// sub-package. This package holds key, entry, and mutation types that are
// referenced by both the storage implementation and its consumers
// (rpc server, transaction façade, cmd/weft, etc.).
package kv

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an atomic check or a snapshot transaction
// fails against the current versionstamp of a key.
var ErrConflict = errors.New("conflict")

// ErrTxClosed is returned when an operation is attempted on a transaction
// handle after it has committed or aborted.
var ErrTxClosed = errors.New("transaction closed")

// ErrInvalidArgument is returned for malformed keys, paths, or options.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrInvalidKeyPart is returned when a key contains a part of an
// unsupported kind.
var ErrInvalidKeyPart = errors.New("invalid key part")

// ErrCorruptKey is returned when stored key bytes fail to decode.
var ErrCorruptKey = errors.New("corrupt key")

// ErrCorruptValue is returned when stored value bytes fail to decode.
var ErrCorruptValue = errors.New("corrupt value")

// ErrNoIndex is returned when a search targets a prefix with no FTS index.
var ErrNoIndex = errors.New("no index for prefix")

// ErrInvalidFields is returned when an FTS index is created with an empty
// field list.
var ErrInvalidFields = errors.New("invalid index fields")

// Key is an ordered sequence of key parts. A part is exactly one of:
// []byte, string, float64, *big.Int, or bool. Keys compare
// lexicographically part by part; between types the precedence is
// bytes < string < float64 < *big.Int < bool.
type Key []any

// Validate checks that every part of the key has a supported kind and
// that float parts are finite. The empty key is valid only as a prefix.
func (k Key) Validate() error {
	for i, part := range k {
		switch p := part.(type) {
		case []byte, string, bool:
		case *big.Int:
			if p == nil {
				return fmt.Errorf("%w: part %d is a nil big.Int", ErrInvalidKeyPart, i)
			}
		case float64:
			if p != p || p > maxFinite || p < -maxFinite {
				return fmt.Errorf("%w: part %d is not a finite number", ErrInvalidKeyPart, i)
			}
		default:
			return fmt.Errorf("%w: part %d has unsupported type %T", ErrInvalidKeyPart, i, part)
		}
	}
	return nil
}

const maxFinite = 1.7976931348623157e308

// Equal reports whether two keys have identical parts.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !partEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

func partEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case *big.Int:
		bv, ok := b.(*big.Int)
		return ok && av.Cmp(bv) == 0
	default:
		return a == b
	}
}

// Entry is a stored key-value pair. Value and Versionstamp are nil/empty
// when the entry does not exist (or has expired); callers check
// Versionstamp == "" to detect a miss.
type Entry struct {
	Key          Key    `json:"key"`
	Value        any    `json:"value"`
	Versionstamp string `json:"versionstamp"`
	// ExpiresAt is an absolute epoch-second deadline, 0 when the entry
	// does not expire.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Exists reports whether the entry holds a live value.
func (e Entry) Exists() bool { return e.Versionstamp != "" }

// CommitResult is returned by Set and by atomic commits.
type CommitResult struct {
	OK           bool   `json:"ok"`
	Versionstamp string `json:"versionstamp,omitempty"`
}

// SetOptions controls a single Set.
type SetOptions struct {
	// ExpireIn is a relative TTL in milliseconds; 0 means no expiry.
	ExpireIn int64
}

// ListOptions controls List.
type ListOptions struct {
	// Start and End bound the scan in the physical (ascending) encoded
	// key space, inclusive/exclusive respectively. Nil means unbounded
	// within the prefix.
	Start Key
	End   Key
	// Limit defaults to 100 and is capped at 1000.
	Limit   int
	Reverse bool
}

// DefaultListLimit and MaxListLimit bound List/Paginate page sizes.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Page is one page of a paginated listing.
type Page struct {
	Entries []Entry `json:"entries"`
	Cursor  string  `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
}

// EventKind is the kind of a mutation event.
type EventKind string

const (
	EventSet    EventKind = "set"
	EventDelete EventKind = "delete"
)

// Event describes one committed mutation, delivered to trigger handlers
// and consumed by watch streams.
type Event struct {
	Kind         EventKind
	Key          Key
	Value        any
	Versionstamp string
}

// MutationType tags an atomic mutation.
type MutationType string

const (
	MutationSet     MutationType = "set"
	MutationDelete  MutationType = "delete"
	MutationSum     MutationType = "sum"
	MutationMax     MutationType = "max"
	MutationMin     MutationType = "min"
	MutationAppend  MutationType = "append"
	MutationPrepend MutationType = "prepend"
)

// Mutation is one entry in an atomic operation. The interpretation of
// Value depends on Type: the new value for set, a numeric operand for
// sum/max/min, an array operand for append/prepend, unused for delete.
type Mutation struct {
	Type     MutationType
	Key      Key
	Value    any
	ExpireIn int64 // milliseconds, set only
}

// Check is a versionstamp precondition: the key's current stamp must
// equal Versionstamp, where "" requires the key to be absent.
type Check struct {
	Key          Key
	Versionstamp string
}

// VersionstampPlaceholder is the reserved key part that an atomic
// mutation may use in place of a string part; every placeholder in one
// commit resolves to the commit's versionstamp.
const VersionstampPlaceholder = "<vs>"

// AtomicOp collects checks and mutations for a single optimistic commit.
// The zero value is ready to use; the builder methods return the receiver
// for chaining.
type AtomicOp struct {
	Checks    []Check
	Mutations []Mutation
}

// Check adds a versionstamp precondition.
func (op *AtomicOp) Check(key Key, versionstamp string) *AtomicOp {
	op.Checks = append(op.Checks, Check{Key: key, Versionstamp: versionstamp})
	return op
}

// Set buffers an upsert mutation.
func (op *AtomicOp) Set(key Key, value any) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationSet, Key: key, Value: value})
	return op
}

// SetWithTTL buffers an upsert mutation with a relative expiry in
// milliseconds.
func (op *AtomicOp) SetWithTTL(key Key, value any, expireInMs int64) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationSet, Key: key, Value: value, ExpireIn: expireInMs})
	return op
}

// Delete buffers an exact-key delete. Unlike the store-level Delete this
// never removes children of the key.
func (op *AtomicOp) Delete(key Key) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationDelete, Key: key})
	return op
}

// Sum buffers a wrapping 64-bit add of operand to the stored number.
func (op *AtomicOp) Sum(key Key, operand *big.Int) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationSum, Key: key, Value: operand})
	return op
}

// Max buffers a signed max of the stored number and operand.
func (op *AtomicOp) Max(key Key, operand *big.Int) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationMax, Key: key, Value: operand})
	return op
}

// Min buffers a signed min of the stored number and operand.
func (op *AtomicOp) Min(key Key, operand *big.Int) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationMin, Key: key, Value: operand})
	return op
}

// Append buffers an array concatenation onto the end of the stored array.
func (op *AtomicOp) Append(key Key, operand []any) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationAppend, Key: key, Value: operand})
	return op
}

// Prepend buffers an array concatenation onto the front of the stored
// array.
func (op *AtomicOp) Prepend(key Key, operand []any) *AtomicOp {
	op.Mutations = append(op.Mutations, Mutation{Type: MutationPrepend, Key: key, Value: operand})
	return op
}
