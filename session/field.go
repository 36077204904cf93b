package session

import (
	"strconv"
	"strings"
)

// FieldKind tags the type held by a field value.
type FieldKind uint8

const (
	KindString FieldKind = iota
	KindBool
	KindInt
	KindUint
	KindStringList
)

// FieldValue is a tagged value stored in a session's field map.
type FieldValue struct {
	Kind FieldKind
	Str  string
	Bool bool
	Int  int64
	Uint uint64
	List []string
}

// StringField wraps a string value.
func StringField(v string) FieldValue { return FieldValue{Kind: KindString, Str: v} }

// BoolField wraps a bool value.
func BoolField(v bool) FieldValue { return FieldValue{Kind: KindBool, Bool: v} }

// IntField wraps a signed integer value.
func IntField(v int64) FieldValue { return FieldValue{Kind: KindInt, Int: v} }

// UintField wraps an unsigned integer value.
func UintField(v uint64) FieldValue { return FieldValue{Kind: KindUint, Uint: v} }

// ListField wraps a list-of-strings value.
func ListField(v []string) FieldValue { return FieldValue{Kind: KindStringList, List: v} }

// IndexKey renders the value in the string form used by the generic
// index: numbers in decimal, booleans as true/false, lists comma-joined.
func (v FieldValue) IndexKey() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindStringList:
		return strings.Join(v.List, ",")
	default:
		return ""
	}
}
