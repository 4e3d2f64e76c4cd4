// Package streaminghttp exposes a session registry over HTTP. Clients create
// sessions with a JSON POST, follow their events as Server-Sent Events, and
// answer sample and elicit requests with further POSTs.
//
// Routes
//
//	POST   /sessions                                  create; body {tool, params, sessionId?, capabilities?}
//	GET    /sessions/{id}                             status, pending requests and outcome
//	GET    /sessions/{id}/events                      SSE stream of events
//	POST   /sessions/{id}/samples/{sampleId}          answer a sample request
//	POST   /sessions/{id}/elicitations/{elicitId}     answer an elicit request
//	DELETE /sessions/{id}                             cancel and drop the creator's reference
//
// # Event streams
//
// Each SSE frame carries one event as JSON in its data field and the event's
// lsn as its id. A client that reconnects with Last-Event-ID (or ?after=n)
// resumes exactly after that event. The stream ends after the terminal
// event. An open stream holds a registry reference, so a session is never
// collected while someone is reading it.
//
// # References
//
// The client that creates a session owns one reference and gives it up with
// its first DELETE. Later DELETEs only cancel. Sessions that are never deleted stay live until the host shuts
// down.
//
// # Authentication
//
// With WithAuthenticator every request needs an Authorization: Bearer
// header. Rejected requests receive a WWW-Authenticate challenge. Sessions
// belong to the subject that created them and are reported as not found to
// anyone else.
//
// Example (mount in net/http):
//
//	h := streaminghttp.New(reg, streaminghttp.WithLogger(log))
//	http.ListenAndServe(":8080", h)
package streaminghttp
