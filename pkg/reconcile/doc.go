/*
The reconcile package implements cinc's sync engine. It decides, once per
game launch, how the local save files and the backend's latest snapshot
should be reconciled, and drives the transfers on either side of the game's
run.

There are two phases:
1) Pre-launch -- Observe the local save set and the remote record, then
   pull, skip, or hold a conflict. The pull must finish before the game
   starts.
2) Post-launch -- After the game exits, pack and push the saves if they
   changed, unless the pre-launch phase held a conflict.

The decision logic is a pure function over (local, remote) observations, so
every row of the decision table is testable without a backend or a
filesystem. The engine's guiding rule is that no decision may destroy the
only good copy of a save: divergence without a provable ancestor is surfaced
to the operator, never guessed at, and stale local state is preserved in a
disambiguation slot before it is overwritten.

A sync failure is never allowed to stop the game from launching. The engine
retries transient transfer faults a bounded number of times, then degrades
to local-only for that invocation and reports the failure after the game
exits.
*/
package reconcile
