package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("session", "capturing")

	status, ok := m.Get("session")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.True(t, status.Healthy)
	assert.Equal(t, "session", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	m.Update("sink", Status{Status: StatusDegraded, Message: "retrying"})
	status, ok = m.Get("sink")
	require.True(t, ok)
	assert.Equal(t, "sink", status.Component)
	assert.True(t, status.IsDegraded())
	assert.False(t, status.Timestamp.IsZero())

	m.Remove("sink")
	_, ok = m.Get("sink")
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("pani", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_AggregateSorted(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("source", "")
	m.UpdateUnhealthy("sink", "write failed")
	m.UpdateHealthy("session", "")

	agg := m.AggregateHealth("pani")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "session", agg.SubStatuses[0].Component)
	assert.Equal(t, "sink", agg.SubStatuses[1].Component)
	assert.Equal(t, "source", agg.SubStatuses[2].Component)
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c-%d", i%5)
			m.UpdateHealthy(name, "ok")
			_, _ = m.Get(name)
			_ = m.AggregateHealth("pani")
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.AggregateHealth("pani").SubStatuses, 5)
}
