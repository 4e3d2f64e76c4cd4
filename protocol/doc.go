// Package protocol defines the messages exchanged between a session host and
// the worker that runs a tool.
//
// Every message is a flat JSON object discriminated by its "type" field:
//
//	host -> worker : start, sample_response, elicit_response, cancel
//	worker -> host : ready, progress, log, sample_request, elicit_request,
//	                 result, error, cancelled
//
// Worker-originated messages other than ready carry an "lsn" assigned by the
// worker in send order, starting at 1. Hosts use it to apply messages in order
// even when a transport does not preserve ordering.
//
// Request and response pairs are correlated by an opaque id (sampleId or
// elicitId) generated by the worker when the request is made. The host echoes
// the id back unchanged.
//
// Messages carry only JSON-serializable data. Encode and Decode are the only
// places where messages cross a serialization boundary, and both validate the
// required fields of each message type.
package protocol
