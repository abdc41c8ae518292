//go:build !amd64

package cpuid

func cpuidLow(_, _ uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}

func xgetbvLow(_ uint32) (eax, edx uint32) {
	return 0, 0
}
