// Package audithook bridges job lifecycle events to an audit trail
// backend.
//
// Every lifecycle hook emits a structured audit event through the
// [Recorder] interface. The hook assigns appropriate severity levels
// (info for normal operations, critical for terminal failures) and
// rich metadata (pattern, input kind, elapsed time, error codes).
//
// # Usage
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithAnalyzer(analyzer),
//	    engine.WithHook(audithook.New(recorder)),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobCompleted,
//	        audithook.ActionJobFailed,
//	    ),
//	)
package audithook
