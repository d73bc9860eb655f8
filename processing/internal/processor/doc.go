// Package processor derives the published record for each camera frame.
//
// Every record carries <property>.processingParameters, the JSON form of the
// ROI settings used for that frame. With a signal ROI it also carries the
// signal X profile and the two edge fields; with a background ROI, the
// background X profile.
//
// Pulse cadence: when pulse_id % Cadence == 0 the frame is a measurement
// pulse and the edge is searched in (signal − background average). Every other
// frame is an accumulation pulse whose signal profile is pushed into the
// background window. Edge fields are nil (JSON null) on accumulation pulses
// and while no background has been collected yet.
package processor
