package value

import "sort"

// Object is an insertion-order-preserving string→Value mapping.
// Documents are Objects; field order is kept from insert through read-back.
type Object struct {
	keys []string
	vals map[string]Value
}

// NewObject creates an empty object.
func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// ObjectOf builds an object from alternating key, value pairs.
// Intended for tests and fixtures; panics on odd arity or non-string keys.
func ObjectOf(pairs ...any) *Object {
	if len(pairs)%2 != 0 {
		panic("value.ObjectOf: odd number of arguments")
	}
	o := NewObject()
	for i := 0; i < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1].(Value))
	}
	return o
}

// Set inserts or replaces a field. New fields append to the key order.
func (o *Object) Set(key string, v Value) {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

// Get returns the value and whether the field exists.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.vals[key]
	return v, ok
}

// Has reports whether the field exists.
func (o *Object) Has(key string) bool {
	_, ok := o.vals[key]
	return ok
}

// Delete removes a field, preserving the order of the rest.
func (o *Object) Delete(key string) {
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Len returns the field count.
func (o *Object) Len() int { return len(o.keys) }

// Keys returns the field names in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// SortedKeys returns the field names sorted lexicographically.
func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}

// Range calls fn for each field in insertion order until fn returns false.
func (o *Object) Range(fn func(key string, v Value) bool) {
	for _, k := range o.keys {
		if !fn(k, o.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := NewObject()
	for _, k := range o.keys {
		out.Set(k, Clone(o.vals[k]))
	}
	return out
}

// Merge sets every field of other on o, keeping o's order for existing keys.
func (o *Object) Merge(other *Object) {
	if other == nil {
		return
	}
	other.Range(func(k string, v Value) bool {
		o.Set(k, v)
		return true
	})
}

func (o *Object) equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	if len(o.keys) != len(other.keys) {
		return false
	}
	// Field order is presentation, not identity.
	for k, v := range o.vals {
		ov, ok := other.vals[k]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}
