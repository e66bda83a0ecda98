/*
Package types defines the installer engine's shared data model.

It contains the installation request and its policy sub-structures, the
bidirectional mapping state between source columns and canonical fields,
the persisted license and migration-history rows, the progress/terminal
event wire shapes, the archive ledger entry, and the self-hashed
installation manifest. Enumerations are typed string constants.

The package also carries the engine's error classification: errors cross
phase boundaries wrapped in a TaggedError whose Kind (InvalidInput,
Unreachable, MigrationFailed, Cancelled, ...) the orchestrator switches on
to pick the user-safe terminal message. Components return wrapped errors;
nothing here logs or performs I/O.
*/
package types
