package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/weftdb/weft/internal/kv"
)

// wireCheck and wireMutation are the JSON shapes of an atomic request.
type wireCheck struct {
	Key          []any  `json:"key"`
	Versionstamp string `json:"versionstamp"`
}

type wireMutation struct {
	Type     string `json:"type"`
	Key      []any  `json:"key"`
	Value    any    `json:"value,omitempty"`
	ExpireIn int64  `json:"expireIn,omitempty"`
}

// handleAtomic serves POST /atomic: a batch of versionstamp checks and
// mutations applied as one commit.
func (s *Server) handleAtomic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	done := s.sink.Track("atomic")

	var body struct {
		Checks    []wireCheck    `json:"checks"`
		Mutations []wireMutation `json:"mutations"`
	}
	if err := decodeBody(r, &body); err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	op, err := buildAtomicOp(body.Checks, body.Mutations)
	if err != nil {
		done(err)
		s.writeStoreError(w, err)
		return
	}

	res, err := s.store.CommitAtomic(r.Context(), op)
	done(err)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func buildAtomicOp(checks []wireCheck, mutations []wireMutation) (*kv.AtomicOp, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("%w: atomic operation needs at least one mutation", kv.ErrInvalidArgument)
	}
	if len(checks)+len(mutations) > MaxBatchSize {
		return nil, fmt.Errorf("%w: atomic operation exceeds %d checks and mutations", kv.ErrInvalidArgument, MaxBatchSize)
	}

	op := &kv.AtomicOp{}
	for i, c := range checks {
		key, err := keyFromJSON(c.Key)
		if err != nil {
			return nil, fmt.Errorf("check at index %d: %w", i, err)
		}
		op.Check(key, c.Versionstamp)
	}
	for i, m := range mutations {
		key, err := keyFromJSON(m.Key)
		if err != nil {
			return nil, fmt.Errorf("mutation at index %d: %w", i, err)
		}
		if m.ExpireIn < 0 {
			return nil, fmt.Errorf("%w: mutation at index %d has negative expireIn", kv.ErrInvalidArgument, i)
		}
		switch kv.MutationType(m.Type) {
		case kv.MutationSet:
			if m.ExpireIn > 0 {
				op.SetWithTTL(key, m.Value, m.ExpireIn)
			} else {
				op.Set(key, m.Value)
			}
		case kv.MutationDelete:
			op.Delete(key)
		case kv.MutationSum, kv.MutationMax, kv.MutationMin:
			operand, err := bigIntOperand(m.Value)
			if err != nil {
				return nil, fmt.Errorf("mutation at index %d: %w", i, err)
			}
			switch kv.MutationType(m.Type) {
			case kv.MutationSum:
				op.Sum(key, operand)
			case kv.MutationMax:
				op.Max(key, operand)
			default:
				op.Min(key, operand)
			}
		case kv.MutationAppend, kv.MutationPrepend:
			items, ok := m.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: mutation at index %d needs an array value", kv.ErrInvalidArgument, i)
			}
			if kv.MutationType(m.Type) == kv.MutationAppend {
				op.Append(key, items)
			} else {
				op.Prepend(key, items)
			}
		default:
			return nil, fmt.Errorf("%w: mutation at index %d has unknown type %q", kv.ErrInvalidArgument, i, m.Type)
		}
	}
	return op, nil
}

// bigIntOperand coerces a decoded JSON value (string or integer number)
// into the arbitrary-precision operand the numeric mutations take.
func bigIntOperand(v any) (*big.Int, error) {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = n
	default:
		return nil, fmt.Errorf("%w: numeric operand must be an integer or a decimal string", kv.ErrInvalidArgument)
	}
	operand, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid integer operand %q", kv.ErrInvalidArgument, s)
	}
	return operand, nil
}
