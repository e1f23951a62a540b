package custody

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes the two item standards a source can hold
type Kind uint8

const (
	KindSingular Kind = iota + 1 // one indivisible unit per item id
	KindCounted                  // N identical copies per item id
)

func (k Kind) String() string {
	switch k {
	case KindSingular:
		return "singular"
	case KindCounted:
		return "counted"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "singular":
		*k = KindSingular
	case "counted":
		*k = KindCounted
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuantity, b)
	}
	return nil
}

// Quantity is either Singular (exactly one indivisible unit) or Counted(n).
// Engine code never branches on a magic zero: it asks for Units().
type Quantity struct {
	kind  Kind
	count int64
}

// Singular returns the quantity of an indivisible item
func Singular() Quantity {
	return Quantity{kind: KindSingular}
}

// Counted returns n copies of a semi-fungible item
func Counted(n int64) Quantity {
	return Quantity{kind: KindCounted, count: n}
}

// Kind returns the item standard of the quantity
func (q Quantity) Kind() Kind { return q.kind }

// IsSingular reports whether q is the indivisible single unit
func (q Quantity) IsSingular() bool { return q.kind == KindSingular }

// Units returns how many units move: 1 for Singular, n for Counted(n)
func (q Quantity) Units() int64 {
	if q.kind == KindSingular {
		return 1
	}
	return q.count
}

// Validate rejects the zero value and non-positive counts
func (q Quantity) Validate() error {
	switch q.kind {
	case KindSingular:
		return nil
	case KindCounted:
		if q.count <= 0 {
			return fmt.Errorf("%w: counted quantity must be positive, got %d", ErrInvalidQuantity, q.count)
		}
		return nil
	default:
		return fmt.Errorf("%w: missing quantity kind", ErrInvalidQuantity)
	}
}

func (q Quantity) String() string {
	if q.kind == KindSingular {
		return "singular"
	}
	return fmt.Sprintf("counted(%d)", q.count)
}

type quantityJSON struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count,omitempty"`
}

// MarshalJSON encodes as {"kind":"singular"} or {"kind":"counted","count":n}
func (q Quantity) MarshalJSON() ([]byte, error) {
	out := quantityJSON{Kind: q.kind.String()}
	if q.kind == KindCounted {
		out.Count = q.count
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var in quantityJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "singular":
		*q = Singular()
	case "counted":
		*q = Counted(in.Count)
	default:
		return fmt.Errorf("%w: unknown quantity kind %q", ErrInvalidQuantity, in.Kind)
	}
	return nil
}
