// Package signaling brokers WebRTC call setup between two contacts.
//
// The relay never terminates media. It forwards offers, answers, and ICE
// candidates between the two channels, and tracks each call attempt so that an
// unanswered offer times out and a participant that disconnects ends the call.
package signaling
