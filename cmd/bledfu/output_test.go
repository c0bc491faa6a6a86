package main

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/srg/bledfu/internal/testutils"
	"github.com/stretchr/testify/assert"
)

func TestOutputDrainerKeepsOrder(t *testing.T) {
	// GOAL: Verify chunks are written in push order and Stop flushes the rest
	//
	// TEST SCENARIO: push 100 chunks → Stop → output is their concatenation, nothing overwritten

	out := &testutils.SyncBuffer{}
	d := newOutputDrainer(out, testutils.QuietLogger())

	var want strings.Builder
	for i := 0; i < 100; i++ {
		chunk := fmt.Sprintf("line %d\n", i)
		want.WriteString(chunk)
		d.Push([]byte(chunk))
	}
	d.Stop()
	d.Stop()

	assert.Equal(t, want.String(), out.String())
	assert.Zero(t, d.Overwritten(), "a fast writer MUST not lose chunks")
}

func TestOutputDrainerCopiesInput(t *testing.T) {
	out := &testutils.SyncBuffer{}
	d := newOutputDrainer(out, testutils.QuietLogger())

	buf := []byte("abc")
	d.Push(buf)
	copy(buf, "xyz")

	assert.Eventually(t, func() bool { return out.String() == "abc" }, time.Second, 5*time.Millisecond,
		"pushed data MUST be copied before the caller reuses its buffer")
	d.Stop()
}
