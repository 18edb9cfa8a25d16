// Package value defines the tagged value model that crosses the RPC wire.
package value

import (
	"fmt"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUnit Kind = iota
	KindBool
	KindInt
	KindString
	KindTensor
	KindRef
	KindObject
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindTensor:
		return "tensor"
	case KindRef:
		return "rref"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Ref is the wire identity of a remote reference. It names the owned value
// without carrying it: deserializing a Ref never copies the referent.
type Ref struct {
	Owner   int    `json:"owner"`
	Local   uint64 `json:"local"`
	TypeTag string `json:"type_tag,omitempty"`
}

// String returns a short diagnostic form, e.g. "RRef(2:17)".
func (r Ref) String() string {
	return fmt.Sprintf("RRef(%d:%d)", r.Owner, r.Local)
}

// Object is a compiled class instance. Instances of stateful classes are
// pinned to their owning process and cannot be copied through RPC.
type Object struct {
	Class  string           `json:"class"`
	Fields map[string]Value `json:"fields,omitempty"`
	Pinned bool             `json:"-"`
}

// Value is the tagged variant passed as RPC arguments and results.
type Value struct {
	Kind   Kind    `json:"kind"`
	Bool   bool    `json:"bool,omitempty"`
	Int    int64   `json:"int,omitempty"`
	Str    string  `json:"str,omitempty"`
	Tensor []int64 `json:"tensor,omitempty"`
	Ref    *Ref    `json:"ref,omitempty"`
	Object *Object `json:"object,omitempty"`
}

// Unit returns the unit value.
func Unit() Value { return Value{Kind: KindUnit} }

// NewBool wraps a bool.
func NewBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// NewInt wraps an int64.
func NewInt(i int64) Value { return Value{Kind: KindInt, Int: i} }

// NewString wraps a string.
func NewString(s string) Value { return Value{Kind: KindString, Str: s} }

// NewTensor wraps an elementwise integer vector.
func NewTensor(xs ...int64) Value {
	t := make([]int64, len(xs))
	copy(t, xs)
	return Value{Kind: KindTensor, Tensor: t}
}

// Ones returns a tensor of n ones.
func Ones(n int) Value {
	t := make([]int64, n)
	for i := range t {
		t[i] = 1
	}
	return Value{Kind: KindTensor, Tensor: t}
}

// NewRef wraps a remote reference descriptor.
func NewRef(r Ref) Value {
	ref := r
	return Value{Kind: KindRef, Ref: &ref}
}

// NewObject builds a compiled class instance.
func NewObject(class string, fields map[string]Value) Value {
	return Value{Kind: KindObject, Object: &Object{Class: class, Fields: fields}}
}

// NewPinnedObject builds a stateful module instance that must not leave its
// owning process.
func NewPinnedObject(class string, fields map[string]Value) Value {
	return Value{Kind: KindObject, Object: &Object{Class: class, Fields: fields, Pinned: true}}
}

// IsRef reports whether the value carries a remote reference.
func (v Value) IsRef() bool { return v.Kind == KindRef && v.Ref != nil }

// IsPinned reports whether the value is a stateful module instance.
func (v Value) IsPinned() bool { return v.Kind == KindObject && v.Object != nil && v.Object.Pinned }

// Field returns a named field of an object value.
func (v Value) Field(name string) (Value, error) {
	if v.Kind != KindObject || v.Object == nil {
		return Unit(), fmt.Errorf("value of kind %s has no fields", v.Kind)
	}
	f, ok := v.Object.Fields[name]
	if !ok {
		return Unit(), fmt.Errorf("object of class %s has no field %s", v.Object.Class, name)
	}
	return f, nil
}

// Add performs the elementwise addition used by compiled arithmetic:
// int+int, string+string (concatenation), tensor+tensor (same length),
// and tensor+int (scalar broadcast, either side).
func Add(a, b Value) (Value, error) {
	switch {
	case a.Kind == KindInt && b.Kind == KindInt:
		return NewInt(a.Int + b.Int), nil
	case a.Kind == KindString && b.Kind == KindString:
		return NewString(a.Str + b.Str), nil
	case a.Kind == KindTensor && b.Kind == KindTensor:
		if len(a.Tensor) != len(b.Tensor) {
			return Unit(), fmt.Errorf("tensor size mismatch: %d vs %d", len(a.Tensor), len(b.Tensor))
		}
		out := make([]int64, len(a.Tensor))
		for i := range out {
			out[i] = a.Tensor[i] + b.Tensor[i]
		}
		return Value{Kind: KindTensor, Tensor: out}, nil
	case a.Kind == KindTensor && b.Kind == KindInt:
		out := make([]int64, len(a.Tensor))
		for i := range out {
			out[i] = a.Tensor[i] + b.Int
		}
		return Value{Kind: KindTensor, Tensor: out}, nil
	case a.Kind == KindInt && b.Kind == KindTensor:
		return Add(b, a)
	default:
		return Unit(), fmt.Errorf("cannot add %s and %s", a.Kind, b.Kind)
	}
}

// Mul multiplies a tensor or int by an integer scalar.
func Mul(a Value, k int64) (Value, error) {
	switch a.Kind {
	case KindInt:
		return NewInt(a.Int * k), nil
	case KindTensor:
		out := make([]int64, len(a.Tensor))
		for i := range out {
			out[i] = a.Tensor[i] * k
		}
		return Value{Kind: KindTensor, Tensor: out}, nil
	default:
		return Unit(), fmt.Errorf("cannot multiply %s by a scalar", a.Kind)
	}
}

// Equal reports deep equality. Refs compare by identity (owner, local).
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindUnit:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindString:
		return a.Str == b.Str
	case KindTensor:
		if len(a.Tensor) != len(b.Tensor) {
			return false
		}
		for i := range a.Tensor {
			if a.Tensor[i] != b.Tensor[i] {
				return false
			}
		}
		return true
	case KindRef:
		return a.Ref != nil && b.Ref != nil &&
			a.Ref.Owner == b.Ref.Owner && a.Ref.Local == b.Ref.Local
	case KindObject:
		if a.Object == nil || b.Object == nil || a.Object.Class != b.Object.Class {
			return false
		}
		if len(a.Object.Fields) != len(b.Object.Fields) {
			return false
		}
		for k, av := range a.Object.Fields {
			bv, ok := b.Object.Fields[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns a debug representation.
func (v Value) String() string {
	switch v.Kind {
	case KindUnit:
		return "()"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindTensor:
		parts := make([]string, len(v.Tensor))
		for i, x := range v.Tensor {
			parts[i] = fmt.Sprintf("%d", x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindRef:
		if v.Ref == nil {
			return "RRef(nil)"
		}
		return v.Ref.String()
	case KindObject:
		if v.Object == nil {
			return "object(nil)"
		}
		return fmt.Sprintf("%s{...}", v.Object.Class)
	default:
		return fmt.Sprintf("unknown(%d)", v.Kind)
	}
}
