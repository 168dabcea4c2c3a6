package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapBlocksWhenEmpty(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)
	defer close(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestWrapPassesSingleValues(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	require.Equal(t, 1, <-outputCh)

	inputCh <- 2
	require.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestWrapCoalesces(t *testing.T) {
	inputCh := make(chan []uint64)
	outputCh := Wrap(inputCh)

	// none of these sends wait for the consumer
	inputCh <- []uint64{1}
	inputCh <- []uint64{2}
	inputCh <- []uint64{3}
	require.Equal(t, []uint64{3}, <-outputCh)

	inputCh <- []uint64{4}
	inputCh <- []uint64{5}
	require.Equal(t, []uint64{5}, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestWrapDropsPendingOnClose(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	close(inputCh)

	// the pending value may or may not be delivered, but the channel must
	// always end up closed
	for range outputCh {
	}
}
