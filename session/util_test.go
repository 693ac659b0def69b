package session

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, 0, callbacks.Len())

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	cId := callbacks.Add(func() int { return 3 })
	assert.Equal(t, 3, callbacks.Len())

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2, 3}, values)

	callbacks.Remove(bId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 3}, values)

	// removing twice is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, 2, callbacks.Len())

	// a snapshot taken before a removal is unaffected by it
	snapshot := callbacks.Get()
	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, 0, callbacks.Len())
	assert.Equal(t, 2, len(snapshot))
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notify channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	default:
		t.Fatal("notify channel still open after notify")
	}

	// the channel is replaced after each notify
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("replacement channel closed without notify")
	default:
	}
}
