/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package latestonlychannel coalesces a stream of values so that a slow
// consumer only ever observes the most recent one.
package latestonlychannel

// Wrap returns a channel that yields values from inputCh, dropping any value
// that is superseded before the consumer gets to it.  Sends on inputCh never
// wait on the consumer.  The output channel is closed once inputCh is closed
// and any pending value has been discarded.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			pending, ok := <-inputCh
			if !ok {
				return
			}

			// keep replacing pending until the consumer takes it, so the
			// output never carries more values than the input did
			for sent := false; !sent; {
				select {
				case outputCh <- pending:
					sent = true
				case newer, ok := <-inputCh:
					if !ok {
						return
					}
					pending = newer
				}
			}
		}
	}()

	return outputCh
}
