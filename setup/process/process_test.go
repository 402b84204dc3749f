package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoRecoversAndWaits(t *testing.T) {
	p := NewProcessContext()
	done := make(chan struct{})

	p.Go("panics", func(ctx context.Context) error { panic("boom") })
	p.Go("fails", func(ctx context.Context) error { return errors.New("failed") })
	p.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return ctx.Err()
	})

	p.ShutdownBridge()
	finished := make(chan struct{})
	go func() {
		p.WaitForComponentsToFinish()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("components did not finish")
	}
	<-done
}

func TestContextSurvivesShutdown(t *testing.T) {
	p := NewProcessContext()
	ctx := p.Context()
	p.ShutdownBridge()
	assert.NoError(t, ctx.Err())
	select {
	case <-p.WaitForShutdown():
	default:
		t.Fatal("shutdown not signalled")
	}
}

func TestDegraded(t *testing.T) {
	p := NewProcessContext()
	degraded, _ := p.IsDegraded()
	assert.False(t, degraded)

	p.Degraded(errors.New("NATS unavailable"))
	p.Degraded(errors.New("NATS unavailable"))
	degraded, reasons := p.IsDegraded()
	assert.True(t, degraded)
	assert.Equal(t, []string{"NATS unavailable"}, reasons)
}
