package device

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// NVMLError builds the error NVMLSource returns for ret.
func NVMLError(ret nvml.Return) error {
	return newNVMLError(ret)
}
