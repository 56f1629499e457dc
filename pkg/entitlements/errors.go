package entitlements

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// PlanViolationError is returned when a requested change conflicts with the
// current plan.
type PlanViolationError struct {
	Plan       string
	Feature    Feature
	Reason     string
	Violations []string
}

func (e *PlanViolationError) Error() string {
	msg := fmt.Sprintf("plan %s does not allow %s", e.Plan, e.Feature)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	return msg
}

// HTTPStatus maps plan violations to 422
func (e *PlanViolationError) HTTPStatus() int {
	return http.StatusUnprocessableEntity
}

// IsPlanViolation reports whether err wraps a *PlanViolationError
func IsPlanViolation(err error) bool {
	var target *PlanViolationError
	return errors.As(err, &target)
}
