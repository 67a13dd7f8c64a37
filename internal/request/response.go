package request

import (
	stderrors "errors"
	"fmt"

	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/storage/persister"
)

// ErrorResponse converts err into an ERROR response. StateErrors keep their
// code; anything else is an internal error.
func ErrorResponse(err error) *protocol.Response {
	var se *errors.StateError
	if stderrors.As(err, &se) {
		return protocol.NewErrorResponse(0, uint32(se.Code), se.Message, false)
	}
	return protocol.NewErrorResponse(0, uint32(errors.CodeInternal), err.Error(), false)
}

// storageError classifies a persister failure
func storageError(err error) error {
	switch {
	case stderrors.Is(err, persister.ErrRecordTooLarge):
		return errors.BadRequest("record too large", err)
	case stderrors.Is(err, persister.ErrStorageFull):
		return errors.Unavailable("partition storage is full", err)
	}
	return errors.Internal(fmt.Sprintf("storage failure: %v", err), err)
}
