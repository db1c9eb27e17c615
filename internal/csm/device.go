package csm

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/book-expert/csm-service/internal/config"
)

const (
	nvidiaDeviceNode = "/dev/nvidia0"
	nvidiaSMI        = "nvidia-smi"
)

// hostInfo reports what accelerators the host offers.
type hostInfo struct {
	goos    string
	goarch  string
	hasCUDA func() bool
}

func currentHost() hostInfo {
	return hostInfo{
		goos:    runtime.GOOS,
		goarch:  runtime.GOARCH,
		hasCUDA: detectCUDA,
	}
}

// SelectDevice resolves a device preference to a concrete device. An explicit
// preference is returned unchanged; "auto" picks mps, then cuda, then cpu.
func SelectDevice(preference string) string {
	return selectDevice(preference, currentHost())
}

func selectDevice(preference string, host hostInfo) string {
	if preference != "" && preference != config.DeviceAuto {
		return preference
	}

	if host.goos == "darwin" && host.goarch == "arm64" {
		return config.DeviceMPS
	}

	if host.hasCUDA != nil && host.hasCUDA() {
		return config.DeviceCUDA
	}

	return config.DeviceCPU
}

func detectCUDA() bool {
	if _, err := os.Stat(nvidiaDeviceNode); err == nil {
		return true
	}

	_, err := exec.LookPath(nvidiaSMI)

	return err == nil
}
