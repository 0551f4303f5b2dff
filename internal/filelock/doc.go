// Package filelock provides cross-process mutual exclusion with flock(2).
//
// Foreman keeps its checkpoints and the YAML item file on local disk, and
// two foreman processes pointed at the same directory must not interleave
// writes. Each protected directory gets a lock file; holders take an
// exclusive advisory lock around every read-modify-write.
//
//	lock := filelock.New(dir, "checkpoint.lock")
//	if err := lock.Lock(); err != nil {
//	    return err
//	}
//	defer lock.Unlock()
package filelock
