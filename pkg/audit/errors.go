package audit

import (
	"errors"
	"fmt"
	"net/http"
)

// DefaultBroadDeleteThreshold is the largest match count a broad DeleteMany
// filter may remove.
const DefaultBroadDeleteThreshold = 100

// TooBroadError refuses a bulk delete whose filter is broad and matches more
// rows than the threshold.
type TooBroadError struct {
	Matched   int64
	Threshold int64
}

func (e *TooBroadError) Error() string {
	return fmt.Sprintf("delete filter too broad: matches %d event logs (limit %d without user, action, entity type or date filter)", e.Matched, e.Threshold)
}

// HTTPStatus maps the refusal to 400
func (e *TooBroadError) HTTPStatus() int {
	return http.StatusBadRequest
}

// IsTooBroad reports whether err wraps a *TooBroadError
func IsTooBroad(err error) bool {
	var target *TooBroadError
	return errors.As(err, &target)
}
