// Package httputil provides HTTP handler helpers: JSON responses, mapping of
// domain errors to status codes, and path/query parsing.
//
//	if err := svc.Cancel(ctx, ...); err != nil {
//		httputil.WriteDomainError(w, err)
//		return
//	}
//	httputil.WriteSuccess(w, result)
package httputil
