package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	name  string
	phase Phase
	log   *[]string
}

func (r recorder) Phase() Phase           { return r.phase }
func (r recorder) Update(_ time.Duration) { *r.log = append(*r.log, r.name) }

func TestRunnerPhaseOrder(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recorder{"cleanup", PhaseCleanup, &log})
	r.Register(recorder{"broad", PhaseBroadphase, &log})
	r.Register(recorder{"input-a", PhaseInput, &log})
	r.Register(recorder{"input-b", PhaseInput, &log})

	r.Tick(time.Millisecond)
	r.Tick(time.Millisecond)

	assert.Equal(t, []string{
		"input-a", "input-b", "broad", "cleanup",
		"input-a", "input-b", "broad", "cleanup",
	}, log)
	assert.Equal(t, uint64(2), r.Ticks())
}
