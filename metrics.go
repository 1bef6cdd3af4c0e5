// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package flock

import "expvar"

// sessionMetrics record protocol activity counters, shared by all sessions.
type sessionMetrics struct {
	framesRecv     expvar.Int
	bytesRecv      expvar.Int
	responsesSent  expvar.Int
	requestsFailed expvar.Int // responses with the error tag
	malformed      expvar.Int // frames that violated the protocol

	emap *expvar.Map
}

var metrics = newSessionMetrics()

func newSessionMetrics() *sessionMetrics {
	sm := &sessionMetrics{emap: new(expvar.Map)}
	sm.emap.Set("frames_received", &sm.framesRecv)
	sm.emap.Set("bytes_received", &sm.bytesRecv)
	sm.emap.Set("responses_sent", &sm.responsesSent)
	sm.emap.Set("requests_failed", &sm.requestsFailed)
	sm.emap.Set("malformed_frames", &sm.malformed)
	return sm
}

// Metrics returns the metrics map shared by all sessions in the process.
// It is safe for the caller to add entries to the map.
func Metrics() *expvar.Map { return metrics.emap }
