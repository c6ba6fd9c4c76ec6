package jsoncodec

import "errors"

var errInvalidRaw = errors.New("jsoncodec: raw payload is not valid JSON")
