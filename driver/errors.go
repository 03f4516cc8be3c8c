package driver

import "github.com/esrf-bliss/areadet/internal/dberr"

// Error sentinels re-exported from the internal error taxonomy (spec.md §7)
// so embedders outside this module can match on them with errors.Is without
// reaching into an internal package.
var (
	ErrIo              = dberr.ErrIo
	ErrTimeout         = dberr.ErrTimeout
	ErrProtocol        = dberr.ErrProtocol
	ErrBusy            = dberr.ErrBusy
	ErrSafetyInterlock = dberr.ErrSafetyInterlock
	ErrNotSupported    = dberr.ErrNotSupported
	ErrDecode          = dberr.ErrDecode
	ErrOverrun         = dberr.ErrOverrun
)
