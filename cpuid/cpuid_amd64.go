//go:build amd64

package cpuid

func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

func xgetbvLow(index uint32) (eax, edx uint32) // implemented in cpuid_amd64.s
