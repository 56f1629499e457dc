// Package middleware provides the HTTP middleware shared by every placebook
// route.
//
// Order, outer to inner:
//
//	router.Use(middleware.Recovery(logger))
//	router.Use(middleware.RequestID)
//	router.Use(middleware.Logging(logger))
//	router.Use(middleware.Principal(rbacStore, logger))
//	router.Use(middleware.RateLimit("api", userLimiter, anonLimiter, metrics, logger))
//
// Authentication happens upstream: the gateway forwards the user id in
// X-User-ID and Principal resolves it to an *rbac.Principal. Route-level
// role checks live in pkg/rbac.
//
// RateLimit takes any Limiter. MemoryLimiter is a per-process token bucket;
// RedisLimiter is a fixed window shared by all replicas. Limiter errors
// fail open.
package middleware
