// Package sshtunnel maintains persistent SSH tunnels to remote tenant
// databases that are not directly network-reachable.
//
// A Tunnel is a local 127.0.0.1 listener that forwards every accepted
// connection through an SSH session to a fixed remote host:port. Tunnels are
// shared: every connection-factory call targeting the same relay and remote
// endpoint reuses the same Tunnel, tracked in a Manager registry.
//
// Each tunnel runs a small state machine: connecting -> ready ->
// (reconnecting | closed). Only ready tunnels expose their local port, and
// the port may change across reconnects, so consumers must re-resolve it via
// Manager.LocalAddr on every use rather than caching it. An unexpected
// session death triggers reconnection with exponential backoff; exceeding the
// attempt cap closes the tunnel and removes it from the registry so the next
// consumer rebuilds from scratch.
package sshtunnel
