package transit

import "errors"

var (
	// ErrNotFound means the requested trip or stop does not exist in
	// the loaded schedule.
	ErrNotFound = errors.New("not found")

	// ErrNotLoaded means no static schedule generation has been
	// loaded yet.
	ErrNotLoaded = errors.New("static schedule not loaded")
)
