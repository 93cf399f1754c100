//go:build !linux || !amd64

package host

// Without CPUID every leaf reads as zero, which discovery treats as a CPU
// with no architectural performance monitoring.
func hostCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}
