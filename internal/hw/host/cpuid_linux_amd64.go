//go:build linux && amd64

package host

import "gvisor.dev/gvisor/pkg/cpuid"

func hostCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid.HostID(leaf, subleaf)
}
