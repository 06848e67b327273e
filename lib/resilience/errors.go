package resilience

import apperrors "github.com/go-i2p/psnpool/lib/errors"

// ErrCircuitOpen is returned when a call is rejected because the breaker tripped.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
