// Package resilience tracks the health of outbound routes (proxies) with
// circuit breakers so that a failing route can be retired from its pool.
package resilience

import (
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()
