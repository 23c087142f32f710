// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"sync"
	"sync/atomic"
)

// throttle runs a bounded number of goroutines concurrently and
// remembers the first reported error. The per-domain pipeline branches
// and the row-parallel distance computations use it as a barrier.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

// Go runs f concurrently, blocking if Max functions are already
// running. A non-nil return from f becomes the throttle's error unless
// an earlier error was already reported.
func (t *throttle) Go(f func() error) {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		t.Report(f())
	}()
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

// Wait blocks until all functions started with Go have returned, then
// returns the first reported error, if any.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
