// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package utilds

import (
	"sync"
	"testing"
)

func TestSyncMap(t *testing.T) {
	sm := MakeSyncMap[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sm.Set(string(rune('a'+n)), n)
		}(i)
	}
	wg.Wait()
	if sm.Len() != 10 {
		t.Fatalf("Expected 10 entries, got %d", sm.Len())
	}
	sm.Delete("c")
	sm.Delete("missing")
	if sm.Len() != 9 {
		t.Errorf("Expected 9 entries after delete, got %d", sm.Len())
	}
	sum := 0
	sm.ForEach(func(k string, v int) { sum += v })
	if sum != 45-2 {
		t.Errorf("Expected sum 43, got %d", sum)
	}
}
