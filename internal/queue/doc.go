// Package queue consumes background messages with at-least-once delivery.
//
// Payloads are validated into a closed set of Message variants before
// dispatch. Malformed payloads are poison and are acknowledged after a
// single error log; handler failures are retried by the Source until the
// transport gives up and dead-letters the message.
package queue
