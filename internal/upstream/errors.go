package upstream

import "errors"

var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrRejected    = errors.New("command rejected")
)
