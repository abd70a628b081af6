package membership

import (
	"errors"
	"fmt"
)

// ErrInvalidFact is matched (via errors.Is) by every InvalidFactError.
var ErrInvalidFact = errors.New("invalid fact")

// InvalidFactError reports an announced fact that is missing a required field.
// The store that rejected it is left unchanged.
type InvalidFactError struct {
	Kind  string
	Field string
}

func (e *InvalidFactError) Error() string {
	return fmt.Sprintf("invalid %s fact: missing %s", e.Kind, e.Field)
}

func (e *InvalidFactError) Is(target error) bool {
	return target == ErrInvalidFact
}
