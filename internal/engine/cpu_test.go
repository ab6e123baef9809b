package engine

import (
	"runtime"
	"testing"
)

func TestCPUFeaturesArchFlags(t *testing.T) {
	f := CPUFeatures()
	if f.Armv8 != (runtime.GOARCH == "arm64") {
		t.Fatalf("armv8=%v on %s", f.Armv8, runtime.GOARCH)
	}
	if runtime.GOARCH != "arm64" && (f.I8mm || f.Dotprod) {
		t.Fatalf("arm extensions reported on %s", runtime.GOARCH)
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" && (f.AVX2 || f.AVX512 || f.FMA) {
		t.Fatalf("x86 extensions reported on %s", runtime.GOARCH)
	}
}
