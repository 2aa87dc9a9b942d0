// Package ws streams loader events to WebSocket clients.
//
// On connect the client receives a "status" message, then one "event"
// message per loader event. Clients may send {"type":"ping"} and
// {"type":"status"} at any time.
package ws
