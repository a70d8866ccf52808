package nbd

import (
	"errors"

	"github.com/marmos91/dittoblock/pkg/backend"
)

// ErrnoFromError translates a backend error into the protocol's error code
// vocabulary. Codes the protocol cannot express collapse to EINVAL, so a
// local error category never leaks an unmapped value onto the wire.
func ErrnoFromError(err error) uint32 {
	if err == nil {
		return ErrSuccess
	}

	var storeErr *backend.StoreError
	if !errors.As(err, &storeErr) {
		return ErrInval
	}

	switch storeErr.Code {
	case backend.ErrPermissionDenied:
		return ErrPerm
	case backend.ErrIOError:
		return ErrIO
	case backend.ErrNoMemory:
		return ErrNoMem
	case backend.ErrNoSpace:
		return ErrNoSpace
	default:
		return ErrInval
	}
}
