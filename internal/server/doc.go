// Package server hosts the chunk intake API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// security headers, CORS, metrics, and rate limiting so handlers all share
// common protections and instrumentation. It also serves published upload
// artifacts read-only from the public directory.
package server
