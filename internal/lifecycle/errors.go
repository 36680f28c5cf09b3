package lifecycle

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid run request")
	ErrInvalidState       = errors.New("run is not in a state that allows this operation")
	ErrUpstreamStorage    = errors.New("object store upload failed")
	ErrUpstreamSubmission = errors.New("job submission failed")
	ErrUpstreamCancel     = errors.New("job cancellation failed")
)
