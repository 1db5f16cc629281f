// Package auth delegates credential verification to the external auth
// service.
//
// The gateway never inspects tokens itself. Each inbound Authorization
// header is sent to {url}{verifyPath}; a 200 answer with
// {"valid":true,"userId":"…","companyId":"…"} authenticates the caller and
// the resolved identity is forwarded downstream as X-User-ID and
// X-Company-ID.
//
// Calls are guarded by a sony/gobreaker circuit breaker so a failing auth
// service is answered with 503 auth_unavailable without waiting on the
// network. Rejected credentials never trip the breaker.
package auth
