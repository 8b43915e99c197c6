// Package actor runs one durable object instance.
//
// Every event for an instance (fetch, named call, alarm, socket message or
// close) goes through a single mailbox drained by one goroutine, so user code
// for an identity never runs interleaved. Before an event is handed to the
// object the consumer waits for every BlockConcurrencyWhile body to finish.
// WaitUntil work runs alongside later events and is drained on demand.
package actor
