// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package lru_test

import (
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"

	"github.com/microsoft/vscode-languageserver-node-sub009/lru"
)

func keysOf[K comparable, V any](c *lru.Cache[K, V]) []K {
	var keys []K
	for k := range c.Keys() {
		keys = append(keys, k)
	}
	return keys
}

func TestCacheEviction(t *testing.T) {
	c := lru.New[int, string](5)
	for i := 1; i <= 5; i++ {
		c.Set(i, "v")
	}
	if c.Len() != 5 {
		t.Errorf("Len = %d, want 5", c.Len())
	}

	// Inserting a sixth entry evicts the oldest.
	c.Set(6, "v")
	if c.Len() != 5 {
		t.Errorf("Len after insert = %d, want 5", c.Len())
	}
	if diff := cmp.Diff(keysOf(c), []int{2, 3, 4, 5, 6}); diff != "" {
		t.Errorf("Keys (-got, +want):\n%s", diff)
	}
	if c.Has(1) {
		t.Error("Has(1) reported true after eviction")
	}
}

func TestCacheRatioEviction(t *testing.T) {
	c := lru.NewRatio[int, string](10, 0.5)
	for i := 1; i <= 11; i++ {
		c.Set(i, "v")
	}

	// Exceeding the limit trims down to half of it in one pass.
	if c.Len() != 5 {
		t.Errorf("Len = %d, want 5", c.Len())
	}
	if diff := cmp.Diff(keysOf(c), []int{7, 8, 9, 10, 11}); diff != "" {
		t.Errorf("Keys (-got, +want):\n%s", diff)
	}
}

func TestCacheTouch(t *testing.T) {
	c := lru.New[string, int](3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Get marks the entry as newest; Peek does not.
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if v, ok := c.Peek("b"); !ok || v != 2 {
		t.Errorf("Peek(b) = %d, %v; want 2, true", v, ok)
	}
	if diff := cmp.Diff(keysOf(c), []string{"b", "c", "a"}); diff != "" {
		t.Errorf("Keys (-got, +want):\n%s", diff)
	}

	// With "a" freshened, the next eviction takes "b".
	c.Set("d", 4)
	if c.Has("b") {
		t.Error("Has(b) reported true after eviction")
	}
	if !c.Has("a") {
		t.Error("Has(a) reported false, but it was recently used")
	}
}

func TestCacheSetLimit(t *testing.T) {
	c := lru.New[int, int](10)
	for i := 1; i <= 8; i++ {
		c.Set(i, i)
	}
	if c.Limit() != 10 {
		t.Errorf("Limit = %d, want 10", c.Limit())
	}

	// Shrinking the limit evicts immediately.
	c.SetLimit(3)
	if c.Len() != 3 {
		t.Errorf("Len after SetLimit = %d, want 3", c.Len())
	}
	if diff := cmp.Diff(keysOf(c), []int{6, 7, 8}); diff != "" {
		t.Errorf("Keys (-got, +want):\n%s", diff)
	}

	// Growing the limit evicts nothing.
	c.SetLimit(5)
	if c.Len() != 3 {
		t.Errorf("Len after growing limit = %d, want 3", c.Len())
	}
}

func TestCacheInvalid(t *testing.T) {
	mtest.MustPanicf(t, func() { lru.New[int, int](0) }, "zero limit should panic")
	mtest.MustPanicf(t, func() { lru.NewRatio[int, int](5, 0) }, "zero ratio should panic")
	mtest.MustPanicf(t, func() { lru.NewRatio[int, int](5, 1.5) }, "ratio > 1 should panic")
	mtest.MustPanicf(t, func() { lru.New[int, int](5).SetLimit(-1) }, "negative limit should panic")
}
