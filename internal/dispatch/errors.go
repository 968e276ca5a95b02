package dispatch

import "errors"

var errNoSession = errors.New("no session id given and no session provider attached")
