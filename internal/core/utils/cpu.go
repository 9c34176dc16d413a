package utils

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers is the goroutine count used for batch parallelism when none
// is configured. Training is bound by floating point throughput, so hyper
// threads are not counted.
func DefaultWorkers() int {
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return min(cores, runtime.NumCPU())
	}
	return runtime.NumCPU()
}
