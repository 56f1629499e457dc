package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

type notFoundError string

func (e notFoundError) Error() string  { return string(e) }
func (e notFoundError) NotFound() bool { return true }

// ErrNotFound is returned by stores when a user, membership, site or place
// does not exist. Permission checks turn it into a denial.
var ErrNotFound error = notFoundError("rbac: not found")

// ResourceType names what a permission check was about
type ResourceType string

const (
	ResourceSite  ResourceType = "site"
	ResourcePlace ResourceType = "place"
	ResourceEvent ResourceType = "event"
	ResourceAudit ResourceType = "event_log"
)

// PermissionDeniedError is returned by the Assert* checks
type PermissionDeniedError struct {
	RequiredRole string
	ResourceType ResourceType
	ResourceID   int64
}

func (e *PermissionDeniedError) Error() string {
	if e.ResourceID == 0 {
		return fmt.Sprintf("permission denied: requires %s on %s", e.RequiredRole, e.ResourceType)
	}
	return fmt.Sprintf("permission denied: requires %s on %s %d", e.RequiredRole, e.ResourceType, e.ResourceID)
}

// HTTPStatus maps permission failures to 403
func (e *PermissionDeniedError) HTTPStatus() int {
	return http.StatusForbidden
}

// IsPermissionDenied reports whether err wraps a *PermissionDeniedError
func IsPermissionDenied(err error) bool {
	var target *PermissionDeniedError
	return errors.As(err, &target)
}
