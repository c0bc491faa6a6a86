package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutine(t *testing.T) {
	type seen struct {
		name  string
		label string
	}
	got := make(chan seen, 1)

	Go(nil, "worker-42", func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "goroutine_name")
		got <- seen{name: Name(ctx), label: label}
	})

	select {
	case s := <-got:
		assert.Equal(t, "worker-42", s.name)
		assert.Equal(t, "worker-42", s.label)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoDone_ClosesAfterReturn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := GoDone(ctx, "waiter", func(ctx context.Context) {
		<-ctx.Done()
	})

	select {
	case <-done:
		t.Fatal("done MUST stay open while fn runs")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "done MUST close after fn returns")
	}
}

func TestName_Empty(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil)) //nolint:staticcheck
}
