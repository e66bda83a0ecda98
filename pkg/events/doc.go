/*
Package events fans installation progress out to UI subscribers and records
run transcripts.

The orchestrator emits events synchronously through a caller-supplied
capability; this package supplies the two standard sinks behind that
capability: a non-blocking pub/sub Broker (desktop shell, terminal wizard)
and a line-oriented Transcript writer (smoke modes, support bundles).

Publish is fire-and-forget: a subscriber whose buffer is full skips events
rather than stalling the install. The transcript, by contrast, records every
line it is handed and terminates with "ExitCode=<n>".
*/
package events
