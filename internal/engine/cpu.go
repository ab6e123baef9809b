package engine

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"llamactx/pkg/types"
)

// CPUFeatures inspects the host CPU for the instruction-set extensions llama.cpp kernels use.
func CPUFeatures() types.CPUFeatures {
	f := types.CPUFeatures{Armv8: runtime.GOARCH == "arm64"}
	if f.Armv8 {
		f.I8mm = cpu.ARM64.HasI8MM
		f.Dotprod = cpu.ARM64.HasASIMDDP
	}
	f.AVX2 = cpu.X86.HasAVX2
	f.AVX512 = cpu.X86.HasAVX512F
	f.FMA = cpu.X86.HasFMA
	return f
}
