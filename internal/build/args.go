package build

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Args bundles everything a build run needs: the working directory, the
// static config, and the dynamic state log.
type Args struct {
	WorkingDir string
	Config     Config
	State      *State
}

// NewArgs constructs build args with an empty state.
func NewArgs(workingDir string, cfg Config) Args {
	return Args{WorkingDir: workingDir, Config: cfg, State: NewState()}
}

// CensusPath is where the census artifact for this build tag is assembled.
func (a Args) CensusPath() string {
	return filepath.Join(a.WorkingDir, a.Config.BuildTag, "census")
}

// DatasetsPath is where fetched source dataset packages are staged.
func (a Args) DatasetsPath() string {
	return filepath.Join(a.WorkingDir, a.Config.BuildTag, "datasets")
}

// StateLogPath is the append-only state log for this working directory.
func (a Args) StateLogPath() string {
	return filepath.Join(a.WorkingDir, "state.yaml")
}

// ValidateHost checks the host satisfies the configured resource minima
// (physical memory, swap, free disk) before a build starts. Skipped when
// host validation is disabled.
func (a Args) ValidateHost() error {
	if a.Config.HostValidationDisable {
		return nil
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return fmt.Errorf("sysinfo: %w", err)
	}
	unit := int64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	memGB := int64(si.Totalram) * unit / (1 << 30)
	if memGB < a.Config.HostValidationMinPhysicalMemoryGB {
		return fmt.Errorf("host validation: %dGiB physical memory below required %dGiB", memGB, a.Config.HostValidationMinPhysicalMemoryGB)
	}
	swapGB := int64(si.Totalswap) * unit / (1 << 30)
	if swapGB < a.Config.HostValidationMinSwapMemoryGB {
		return fmt.Errorf("host validation: %dGiB swap below required %dGiB", swapGB, a.Config.HostValidationMinSwapMemoryGB)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(a.WorkingDir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", a.WorkingDir, err)
	}
	freeGB := int64(st.Bavail) * st.Bsize / (1 << 30)
	if freeGB < a.Config.HostValidationMinFreeDiskGB {
		return fmt.Errorf("host validation: %dGiB free disk below required %dGiB", freeGB, a.Config.HostValidationMinFreeDiskGB)
	}
	return nil
}
