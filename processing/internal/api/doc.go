// Package api is the REST control surface of the processing service.
//
// Routes, under an optional prefix:
//
//	POST /start             start processing
//	POST /stop              stop processing
//	GET  /status            "processing" or "stopped"
//	GET  /statistics        session statistics
//	GET  /roi_signal        signal ROI
//	POST /roi_signal        set signal ROI, body is a JSON list of 0 or 4 ints
//	GET  /roi_background    background ROI
//	POST /roi_background    set background ROI
//	GET  /metrics           Prometheus text exposition
//
// Every JSON reply is a types.Response envelope. Every response carries
// permissive CORS headers and OPTIONS is answered with 204.
package api
