package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus[int]("test", 4)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()

	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-c)
	assert.Equal(t, 2, <-c)
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus[int]("test", 1)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %d", v)
	default:
	}
}

func TestBusCancelAndClose(t *testing.T) {
	b := NewBus[string]("test", 0)
	ch, cancel := b.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)

	live, cancelLive := b.Subscribe()
	b.Close()
	b.Close()
	_, ok = <-live
	require.False(t, ok)
	cancelLive()

	b.Publish("late")
	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

func TestBusCloseDeliversFinalToFullQueue(t *testing.T) {
	b := NewBus[int]("test", 2)
	full, cancelFull := b.Subscribe()
	idle, cancelIdle := b.Subscribe()
	defer cancelFull()
	defer cancelIdle()

	b.Publish(1)
	b.Publish(2)
	<-idle
	<-idle
	b.Close(7, 8)

	var got []int
	for v := range full {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8}, got)

	got = nil
	for v := range idle {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8}, got)

	b.Close(9)
}

func TestBusCloseKeepsRoomyQueue(t *testing.T) {
	b := NewBus[int]("test", 4)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Close(2)

	var got []int
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)
}
