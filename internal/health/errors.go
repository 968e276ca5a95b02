package health

import (
	"errors"
	"fmt"
)

var errNoProber = errors.New("no health prober configured")

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("probe panicked: %v", p.value)
}
