/*
Package assert provides invariant checks for the bus internals.

A failed check panics with the label and caller location, because a broken registry or queue invariant is a programming error and not something to recover from.
Checks are compiled out entirely when building with the 'noassert' tag, which keeps them off the posting hot path in release builds.
*/
package assert
