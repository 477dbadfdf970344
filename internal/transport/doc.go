// Package transport moves protocol messages between two contexts.
//
// A Port is a duplex, ordered, message-oriented channel. Pipe connects two
// ports in memory; Stream frames messages over any io.ReadWriteCloser such
// as a TCP connection. Link sits on top of a Port and demultiplexes inbound
// messages by channel: control messages, callback sub-channels and reply
// channels for request/response exchanges.
package transport
