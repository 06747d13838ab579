/*
Package server hosts the HTTP listener and the middleware chain shared by
every route.

The chain, outermost first:
 1. RequestIDMiddleware tags the request and sets X-Request-ID.
 2. LoggingMiddleware emits one structured line per request, including
    fields added by handlers through AddLogField and AddError.
 3. TimeoutMiddleware bounds the request context.
 4. Recoverer turns handler panics into 500s.
 5. otelhttp opens a server span.

RateLimiter is applied per route rather than globally; the analyze endpoint
uses it to cap each client IP.
*/
package server
