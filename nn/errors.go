package nn

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownLayer = errors.New("unknown layer type")
	ErrNoParameter  = errors.New("no such parameter")
)

// ShapeError reports a tensor whose shape does not fit an operation.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// RuntimeError is a fault raised inside the framework, typically by a
// forward pass. It is the panic value used by Must* helpers.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error in %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
