// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

// Package omap implements a generic insertion-ordered map.
//
// A Map records the order in which keys were inserted, and iteration visits
// entries in that order. Accessor methods optionally accept a [Touch] value
// that repositions the entry within the order, which is the primitive the
// lru package builds its eviction policy on.
package omap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
)

// A Touch describes how an access repositions an entry in iteration order.
type Touch int

const (
	TouchNone  Touch = iota // leave the entry where it is
	TouchFirst              // move the entry to the head of the order
	TouchLast               // move the entry to the tail of the order
	TouchAsNew              // remove the entry and reinsert it at the tail
)

func (t Touch) String() string {
	switch t {
	case TouchNone:
		return "None"
	case TouchFirst:
		return "First"
	case TouchLast:
		return "Last"
	case TouchAsNew:
		return "AsNew"
	default:
		return fmt.Sprintf("Touch(%d)", int(t))
	}
}

// An entry is a node of the doubly-linked order list.
type entry[K comparable, V any] struct {
	key        K
	value      V
	prev, next *entry[K, V]
}

// A Map is an associative container whose iteration order is the insertion
// order of its keys, subject to repositioning by Touch operations.
//
// The zero Map is not ready for use; call [New]. A Map is not safe for
// concurrent use without external synchronization.
type Map[K comparable, V any] struct {
	index      map[K]*entry[K, V]
	head, tail *entry[K, V]

	// gen counts structural changes to the order list. Iterators capture the
	// generation at creation and fail fast when it moves under them.
	gen uint64
}

// New constructs a new empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{index: make(map[K]*entry[K, V])}
}

// Len reports the number of entries in m.
func (m *Map[K, V]) Len() int { return len(m.index) }

// Has reports whether key is present in m.
func (m *Map[K, V]) Has(key K) bool { _, ok := m.index[key]; return ok }

// Get returns the value associated with key, without changing its position.
func (m *Map[K, V]) Get(key K) (V, bool) { return m.GetTouch(key, TouchNone) }

// Peek returns the value associated with key. It never repositions the entry.
func (m *Map[K, V]) Peek(key K) (V, bool) { return m.GetTouch(key, TouchNone) }

// GetTouch returns the value associated with key and repositions the entry
// according to touch.
func (m *Map[K, V]) GetTouch(key K, touch Touch) (V, bool) {
	e, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	m.touch(e, touch)
	return e.value, true
}

// Set associates value with key. An existing entry keeps its position; a new
// entry is appended at the tail of the order.
func (m *Map[K, V]) Set(key K, value V) { m.SetTouch(key, value, TouchNone) }

// SetTouch associates value with key and repositions the entry according to
// touch. A new entry is appended at the tail regardless of touch.
func (m *Map[K, V]) SetTouch(key K, value V, touch Touch) {
	if e, ok := m.index[key]; ok {
		e.value = value
		m.touch(e, touch)
		return
	}
	e := &entry[K, V]{key: key, value: value}
	m.index[key] = e
	m.pushTail(e)
	m.gen++
}

// Delete removes key from m and reports whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	e, ok := m.index[key]
	if !ok {
		return false
	}
	delete(m.index, key)
	m.unlink(e)
	m.gen++
	return true
}

// Clear removes all entries from m.
func (m *Map[K, V]) Clear() {
	clear(m.index)
	m.head = nil
	m.tail = nil
	m.gen++
}

// First returns the key and value at the head of the order.
func (m *Map[K, V]) First() (K, V, bool) {
	if m.head == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return m.head.key, m.head.value, true
}

// Last returns the key and value at the tail of the order.
func (m *Map[K, V]) Last() (K, V, bool) {
	if m.tail == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return m.tail.key, m.tail.value, true
}

// Each calls f for each entry of m in order, until f returns false or the
// entries are exhausted. Each panics if the order changes during iteration.
func (m *Map[K, V]) Each(f func(key K, value V) bool) {
	gen := m.gen
	for e := m.head; e != nil; e = e.next {
		if m.gen != gen {
			panic("omap: map changed during iteration")
		}
		if !f(e.key, e.value) {
			return
		}
	}
}

// Keys returns an iterator over the keys of m in order. The iterator panics
// if the order changes during iteration.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.Each(func(key K, _ V) bool { return yield(key) })
	}
}

// Values returns an iterator over the values of m in order. The iterator
// panics if the order changes during iteration.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.Each(func(_ K, value V) bool { return yield(value) })
	}
}

// Entries returns an iterator over the key-value pairs of m in order. The
// iterator panics if the order changes during iteration.
func (m *Map[K, V]) Entries() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.Each(yield)
	}
}

// MarshalJSON encodes m as an array of [key, value] pairs in order.
// It implements json.Marshaler.
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	first := true
	for e := m.head; e != nil; e = e.next {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		pair, err := json.Marshal([2]any{e.key, e.value})
		if err != nil {
			return nil, err
		}
		buf.Write(pair)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an array of [key, value] pairs into m, replacing its
// contents and preserving the order of the array exactly.
// It implements json.Unmarshaler.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	if m.index == nil {
		m.index = make(map[K]*entry[K, V], len(pairs))
	} else {
		m.Clear()
	}
	for i, pair := range pairs {
		var key K
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("pair %d: invalid key: %w", i, err)
		}
		var value V
		if err := json.Unmarshal(pair[1], &value); err != nil {
			return fmt.Errorf("pair %d: invalid value: %w", i, err)
		}
		m.SetTouch(key, value, TouchAsNew)
	}
	return nil
}

// touch repositions e according to t, bumping the generation only if the
// position of any entry actually changed.
func (m *Map[K, V]) touch(e *entry[K, V], t Touch) {
	switch t {
	case TouchNone:
		return
	case TouchFirst:
		if m.head == e {
			return // already at the head, position preserved
		}
		m.unlink(e)
		m.pushHead(e)
	case TouchLast, TouchAsNew:
		if m.tail == e {
			return // already at the tail, position preserved
		}
		m.unlink(e)
		m.pushTail(e)
	default:
		panic(fmt.Sprintf("omap: invalid touch %v", t))
	}
	m.gen++
}

func (m *Map[K, V]) pushHead(e *entry[K, V]) {
	e.prev = nil
	e.next = m.head
	if m.head != nil {
		m.head.prev = e
	}
	m.head = e
	if m.tail == nil {
		m.tail = e
	}
}

func (m *Map[K, V]) pushTail(e *entry[K, V]) {
	e.next = nil
	e.prev = m.tail
	if m.tail != nil {
		m.tail.next = e
	}
	m.tail = e
	if m.head == nil {
		m.head = e
	}
}

// unlink removes e from the order list, repairing the boundary pointers when
// e is the head, the tail, or the only entry.
func (m *Map[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		m.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		m.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
