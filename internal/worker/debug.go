package worker

import (
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("LINEINSPECT_WORKER_DEBUG"), "1")

// debug logs dispatcher internals when LINEINSPECT_WORKER_DEBUG=1.
func (m *Manager) debug(msg string, args ...any) {
	if m == nil || !workerDebugEnabled {
		return
	}
	m.logger.Info(msg, args...)
}
