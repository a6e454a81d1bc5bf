package emberr

import (
	"errors"
	"fmt"
)

// ValidationError collects configuration problems so startup can report all
// of them at once. Fatal: a process with a non-empty ValidationError must
// refuse to reach Ready.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	c.Errors = append(c.Errors, err)
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(c.Errors...))
}
