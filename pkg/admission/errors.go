package admission

import (
	"errors"
	"fmt"
	"time"
)

// ErrOverBudget is returned by RecordRequest when accounting for the call
// would breach either window's budget.
var ErrOverBudget = errors.New("admission: request over budget")

// ErrClosed is returned once the controller has been closed.
var ErrClosed = errors.New("admission: controller closed")

// TimeoutError reports a queued admission that hit its deadline before
// capacity freed up.
type TimeoutError struct {
	Units  int64
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("admission timed out after %s waiting for %d units", e.Waited.Round(time.Millisecond), e.Units)
}

// ResetError reports a queued admission that was force-rejected because the
// controller's budgets were reset underneath it.
type ResetError struct{}

func (e *ResetError) Error() string {
	return "admission rejected: rate limits were reset while queued"
}
