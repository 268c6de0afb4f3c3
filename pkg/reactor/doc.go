/*
Package reactor provides a single-threaded, coalescing work driver.

Callers poke the reactor with Update whenever something may have
changed; the reactor runs its callback at most once at a time, folding
bursts of pokes into a single pending run. A periodic timeout fires the
callback even without pokes so that missed notifications self-heal.
The callback can therefore assume exclusive access to any state it
mutates, which is what lets the reconciler run lock-free.
*/
package reactor
