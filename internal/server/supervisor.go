package server

import (
	"time"

	"backend-runwith/internal/logging"

	"github.com/thejerf/suture/v4"
)

// newSupervisor runs the presence publisher and the presence sync. A dropped
// change feed makes the sync return; the restart resubscribes and resyncs.
func newSupervisor() *suture.Supervisor {
	log := logging.With("supervisor")
	return suture.New("runwith", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   2 * time.Second,
		Timeout:          10 * time.Second,
	})
}
