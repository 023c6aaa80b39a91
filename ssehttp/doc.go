// Package ssehttp serves the two-channel SSE transport.
//
// A client first opens GET /sse. The handler registers a session, announces
// its id in a "connected" event and then streams "message" events drained
// from the session's queue, emitting "ping" events when the queue stays idle
// for the heartbeat interval. Requests are submitted with POST /messages,
// tagged with the session id in the X-Session-Id header (or the _session_id
// body field); the dispatcher's reply is queued for the stream rather than
// returned in the POST response.
//
//	host := memoryhost.New()
//	srv := mcpservice.NewServer(mcpservice.WithTools(tools))
//	h, err := ssehttp.New(host, srv, ssehttp.WithLogger(log))
//	if err != nil { ... }
//	http.ListenAndServe("127.0.0.1:8999", h)
//
// GET /health reports the number of open sessions and GET / returns a small
// document describing the endpoints.
package ssehttp
