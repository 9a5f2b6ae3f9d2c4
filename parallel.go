/*
Data-parallel helpers
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

import "sync"

// parallelFor runs fn(stripe, nstripes) for every stripe in [0, nstripes)
// on its own goroutine and waits for all of them. Every stage of the
// algorithm fans out over disjoint row ranges and joins here before the
// orchestrator moves on; there is no pipelining across stages.
func parallelFor(nstripes int, fn func(stripe, nstripes int)) {
	if nstripes <= 1 {
		fn(0, 1)
		return
	}
	var wg sync.WaitGroup
	for s := 0; s < nstripes; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			fn(s, nstripes)
		}(s)
	}
	wg.Wait()
}
