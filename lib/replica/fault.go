package replica

import (
	"os"

	"github.com/lni/dragonboat/v4/logger"
)

var faultLog = logger.GetLogger("replica")

// processFaultHandler is the production fault handler: it logs the fault and
// terminates the process. A corrupted consensus engine must become a
// controlled process abort, never a silently degraded replica.
type processFaultHandler struct{}

// NewProcessFaultHandler creates the fault handler used in production
func NewProcessFaultHandler() IFaultHandler {
	return &processFaultHandler{}
}

func (h *processFaultHandler) HandleFault(msg string, cause error) {
	faultLog.Errorf("FATAL: %s: %v", msg, cause)
	os.Exit(1)
}
