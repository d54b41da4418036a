// Package api hosts the HTTP control and event surface. Notable routes:
//   - GET /healthz for liveness checks (with the live event subscriber
//     count) and GET /metrics for Prometheus scraping.
//   - GET /v1/jobs and /v1/jobs/{job_id} for job status, plus POST
//     trigger, pause and resume actions.
//   - GET /v1/requests/{request_id} for a download request and the
//     downloader's live view of it. Ids that are not UUIDs get a 400.
//   - GET /v1/events for a Server-Sent Events stream of the event bus.
package api
