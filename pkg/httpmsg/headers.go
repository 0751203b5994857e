package httpmsg

import "strings"

// Headers is a case-insensitive string-to-string mapping that preserves
// insertion order for serialization. Keys are stored canonically lowercased;
// header identity is case-insensitive but serialization follows insertion
// order, matching how most origin servers emit them.
type Headers struct {
	order  []string
	values map[string]string
}

// NewHeaders returns an empty Headers mapping.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// Get returns the value for key (case-insensitive) and whether it is set.
func (h *Headers) Get(key string) (string, bool) {
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Value is a convenience wrapper around Get that returns "" when absent.
func (h *Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[strings.ToLower(key)]
	return ok
}

// Set inserts or overwrites key's value. A new key is appended to the
// insertion order; an existing key keeps its original position.
func (h *Headers) Set(key, value string) {
	lk := strings.ToLower(key)
	if _, exists := h.values[lk]; !exists {
		h.order = append(h.order, lk)
	}
	h.values[lk] = value
}

// Del removes key, if present.
func (h *Headers) Del(key string) {
	lk := strings.ToLower(key)
	if _, ok := h.values[lk]; !ok {
		return
	}
	delete(h.values, lk)
	for i, k := range h.order {
		if k == lk {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Keys returns header names in insertion order.
func (h *Headers) Keys() []string {
	return append([]string(nil), h.order...)
}

// Len returns the number of distinct headers.
func (h *Headers) Len() int {
	return len(h.order)
}

// Equal reports whether h and other hold the same key/value set,
// irrespective of insertion order.
func (h *Headers) Equal(other *Headers) bool {
	if h.Len() != other.Len() {
		return false
	}
	for k, v := range h.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of h.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, k := range h.order {
		c.Set(k, h.values[k])
	}
	return c
}
