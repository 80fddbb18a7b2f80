// Package transport defines what the orchestrator needs from the two
// backend channels.
//
// The streaming channel delivers a typed event stream for one attempt;
// cancelling the attempt's context stops the stream and closes the channel.
// The async-job channel is a submit / poll / cancel / result API. Concrete
// HTTP clients live in the sse and jobs subpackages.
package transport
