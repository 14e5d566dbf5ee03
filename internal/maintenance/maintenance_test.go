package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestAddTickerFiresRepeatedly(t *testing.T) {
	s := New(arbor.NewLogger())
	var calls int32
	s.AddTicker("test", 10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})

	time.Sleep(55 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestAddTickerStopsCleanly(t *testing.T) {
	s := New(arbor.NewLogger())
	var calls int32
	s.AddTicker("test", 5*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))
}

func TestAddCronJobRejectsInvalidSchedule(t *testing.T) {
	s := New(arbor.NewLogger())
	err := s.AddCronJob("bad", "not-a-schedule", func() {})
	assert.Error(t, err)
}

func TestRegisterMaintenanceCycleRunsStepsInOrder(t *testing.T) {
	s := New(arbor.NewLogger())
	var order []string
	done := make(chan struct{})
	steps := []MaintenanceCycle{
		{Name: "a", Run: func(ctx context.Context) error { order = append(order, "a"); return nil }},
		{Name: "b", Run: func(ctx context.Context) error { order = append(order, "b"); return errors.New("boom") }},
		{Name: "c", Run: func(ctx context.Context) error {
			order = append(order, "c")
			select {
			case <-done:
			default:
				close(done)
			}
			return nil
		}},
	}
	require.NoError(t, s.RegisterMaintenanceCycle(context.Background(), "@every 1s", steps...))

	s.Start()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("maintenance cycle never ran")
	}
	s.Stop()

	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, []string{"a", "b", "c"}, order[:3])
}

func TestStartStopDoesNotBlock(t *testing.T) {
	s := New(arbor.NewLogger())
	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
