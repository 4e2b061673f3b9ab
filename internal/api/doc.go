// Package api hosts the scheduler's HTTP control plane and the client the
// ctl command uses to talk to it. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/commands with a control.Request body.
//   - POST /v1/crawlers/{name}/{command}[?value=N] as a shorthand.
//   - GET /v1/crawlers and /v1/speeds for the list commands.
//
// Command replies always carry a control.Response body. The HTTP status
// mirrors its status code: OK is 200, ARGS_ERROR 400, USER_ERROR 409 and
// UNKNOWN_ERROR 500.
package api
