package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerStartsAtMin(t *testing.T) {
	p := newPacer(10*time.Millisecond, time.Second)
	assert.Equal(t, 10*time.Millisecond, p.cur)
}

func TestPacerOnFailureDoublesUpToMax(t *testing.T) {
	p := newPacer(10*time.Millisecond, 30*time.Millisecond)
	p.OnFailure()
	assert.Equal(t, 20*time.Millisecond, p.cur)
	p.OnFailure()
	assert.Equal(t, 30*time.Millisecond, p.cur) // capped at max
}

func TestPacerOnSuccessHalvesDownToMin(t *testing.T) {
	p := newPacer(10*time.Millisecond, 1*time.Second)
	p.OnFailure()
	p.OnFailure()
	assert.Equal(t, 40*time.Millisecond, p.cur)
	p.OnSuccess()
	assert.Equal(t, 20*time.Millisecond, p.cur)
	p.OnSuccess()
	p.OnSuccess()
	assert.Equal(t, 10*time.Millisecond, p.cur) // floored at min
}

func TestPacerSleepReturnsEarlyOnDone(t *testing.T) {
	p := newPacer(time.Hour, time.Hour)
	done := make(chan struct{})
	close(done)

	finished := make(chan struct{})
	go func() {
		p.Sleep(done)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return promptly when done was already closed")
	}
}
