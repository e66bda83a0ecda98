/*
Package scheduler runs the archive pipeline on the policy's monthly
schedule.

The schedule is a day-of-month (capped at 28 so every month qualifies) and
a local wall-clock time. One goroutine sleeps until the next firing, runs
the pipeline for the newest month past hot retention, and re-arms. When the
policy enables catch-up, startup first sweeps the twelve newest eligible
months, archiving each one the ledger does not record as complete, oldest
first; the pipeline's own
idempotency gate makes the sweep safe to repeat.
*/
package scheduler
