// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package flock implements the wire protocol of a prefork RPC server.
//
// Clients exchange frames with the server over a stream connection. Each frame
// is a 4-byte big-endian length followed by that many bytes of body. The body
// of a frame is a single self-describing value (see the packet package) that
// encodes an envelope.
//
// # Envelopes
//
// A [Request] names an operation and carries its parameters:
//
//	{"in": "ping", "params": "hello"}
//
// A [Response] carries a tag and a result:
//
//	{"out": "pong", "result": "hello"}
//
// Failed calls report the tag "error" with an [ErrorData] result, whose code
// is one of [CodeUnknownOperation], [CodeInvalidParams], or [CodeInternal].
//
// # Sessions
//
// A [Session] is the protocol state for one connection. The caller delivers
// bytes to the session as they arrive, by calling [Session.ReadFrom] or
// [Session.Feed], and the session dispatches every complete request to a
// [Dispatcher] in arrival order, writing each response before the next
// request is dispatched:
//
//	s := flock.NewSession(conn, catalog.Default(), nil)
//	for {
//	   if _, err := s.ReadFrom(ctx, conn); err != nil {
//	      return err
//	   }
//	}
//
// Frames may be split or coalesced arbitrarily by the transport without
// affecting the responses. A frame that does not decode as a request is a
// protocol violation and the connection should be closed.
//
// # Metrics
//
// Sessions maintain a collection of metrics, shared among all sessions in the
// process. Use [Metrics] to obtain an [expvar.Map] containing them:
//
//   - frames_received: counter of frames received
//   - bytes_received: counter of bytes received
//   - responses_sent: counter of responses written
//   - requests_failed: counter of error responses written
//   - malformed_frames: counter of frames that violated the protocol
//
// The loop package adds connections_accepted and connections_active.
package flock
