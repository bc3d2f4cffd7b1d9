package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecent(t *testing.T) {
	n := New()
	n.Infof("first")
	n.Warnf("second")
	n.Errorf("third")

	recent := n.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Message)
	assert.Equal(t, Warning, recent[0].Level)
	assert.Equal(t, "third", recent[1].Message)
	assert.Equal(t, Error, recent[1].Level)

	// limit larger than the ring returns everything
	assert.Len(t, n.Recent(100), 3)
	assert.Len(t, n.Recent(0), 3)
}

func TestRingIsBounded(t *testing.T) {
	n := New()
	for i := 0; i < ringSize+50; i++ {
		n.Infof("event %d", i)
	}
	recent := n.Recent(0)
	require.Len(t, recent, ringSize)
	assert.Equal(t, fmt.Sprintf("event %d", ringSize+49), recent[len(recent)-1].Message)
}

func TestSubscribe(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	n.Infof("hello")

	event := <-ch
	assert.Equal(t, Info, event.Level)
	assert.Equal(t, "hello", event.Message)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	// publish more than the subscriber buffer without reading; must not block
	for i := 0; i < 200; i++ {
		n.Infof("event %d", i)
	}

	assert.Equal(t, 64, len(ch))
	assert.Len(t, n.Recent(0), 200, "ring keeps events even when subscribers drop them")
}

func TestClose(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	n.Close()

	_, open := <-ch
	assert.False(t, open)

	// publishing after close is a no-op
	n.Infof("late")
	assert.Empty(t, n.Recent(0))

	// double close must not panic
	n.Close()
}
