// Package generator hands out identifiers for play jobs.
package generator

import (
	"github.com/google/uuid"
)

// Generator produces a new value of type T on every call.
type Generator[T any] interface {
	Next() (T, error)
}

// Func adapts a plain function to Generator.
type Func[T any] func() (T, error)

func (f Func[T]) Next() (T, error) {
	return f()
}

// UUIDV4Generator produces random UUIDv4 strings. Job IDs double as the
// members of the cancellation set, so they must never collide.
type UUIDV4Generator struct{}

func (g *UUIDV4Generator) Next() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var (
	_ Generator[string] = &UUIDV4Generator{}
	_ Generator[string] = Func[string](nil)
)
