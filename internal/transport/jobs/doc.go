// Package jobs is the HTTP async-job transport and a progress tracker that
// polls any transport.JobTransport until the job settles.
//
// Endpoints:
//
//	POST /v1/jobs                 {query, attachments, trace_id} -> {job_id}
//	GET  /v1/jobs/{id}/progress   -> {stage, percent, message}
//	POST /v1/jobs/{id}/cancel
//	GET  /v1/jobs/{id}/result     -> {success, response, sources, error}
package jobs
