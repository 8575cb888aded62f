// Package server implements the PrivateHive chat relay.
//
// Clients connect over TCP (or the optional WebSocket gateway), send a
// username and a room key, and then exchange name|key|message lines. The
// Registry keeps every live Connection under its username|roomKey identity
// and broadcasts each accepted line to the members of the matching room.
// An optional Relay forwards room broadcasts to other relay instances over
// NATS.
package server
