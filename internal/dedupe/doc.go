// Package dedupe provides a bounded, time-limited set of keys used to
// reject work that was already processed, such as a run resubmitted after
// it finished.
package dedupe
