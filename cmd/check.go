package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"preroll-recorder/config"
	"preroll-recorder/constant"
)

// check is the preflight diagnostic run before deploying the recorder on a
// new box: encoder availability, config sanity, and resource headroom.
func check() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "verify encoder, configuration and system resources",
		Run: func(cmd *cobra.Command, args []string) {
			failed := false

			report := func(level, msg string) {
				fmt.Printf("[%s] %s\n", level, msg)
				if level == "FAIL" {
					failed = true
				}
			}

			checkBinary(report, "ffmpeg")
			checkBinary(report, "ffprobe")
			cfg := checkConfig(report)
			if cfg != nil {
				checkStore(report, cfg)
			}
			checkResources(report)

			if failed {
				os.Exit(constant.ExitConfigInvalid)
			}
			fmt.Println("system check passed")
		},
	}
}

func checkBinary(report func(level, msg string), name string) {
	out, err := exec.Command(name, "-version").Output()
	if err != nil {
		report("FAIL", name+" not found on PATH")
		return
	}
	version := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	report("OK", version)
}

func checkConfig(report func(level, msg string)) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		report("FAIL", "config: "+err.Error())
		return nil
	}
	report("OK", fmt.Sprintf("config: %d camera(s), chunk %s, buffer %s, clip %s",
		len(cfg.Cameras), cfg.ChunkDuration, cfg.BufferSeconds, cfg.FinalClipDuration))
	return cfg
}

func checkStore(report func(level, msg string), cfg *config.Config) {
	if !strings.HasPrefix(cfg.TempDir, "/dev/shm") {
		report("WARN", "TEMP_DIR "+cfg.TempDir+" is not under /dev/shm; segment churn will hit persistent storage")
	} else {
		report("OK", "buffer store is memory-backed: "+cfg.TempDir)
	}

	usage, err := disk.Usage(cfg.TempDir)
	if err != nil {
		report("WARN", "cannot stat buffer store: "+err.Error())
		return
	}
	free := float64(usage.Free) / float64(usage.Total)
	msg := fmt.Sprintf("buffer store: %.0f%% free of %d MiB", free*100, usage.Total/(1<<20))
	if free < constant.StoreFreeFloor {
		report("FAIL", msg+" (below eviction floor)")
		return
	}
	report("OK", msg)
}

func checkResources(report func(level, msg string)) {
	if vm, err := mem.VirtualMemory(); err == nil {
		msg := fmt.Sprintf("memory: %.0f%% used of %d MiB", vm.UsedPercent, vm.Total/(1<<20))
		if vm.UsedPercent > 90 {
			report("WARN", msg)
		} else {
			report("OK", msg)
		}
	}
	if n, err := cpu.Counts(true); err == nil {
		report("OK", fmt.Sprintf("cpu: %d logical core(s)", n))
	}
}
