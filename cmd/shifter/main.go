// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Command shifter is the interactive, setuid entry point: it builds a
// user-defined container image, binds it into a private mount
// namespace, applies site and user volume mounts, drops privilege,
// and execs the user's payload.
package main

import (
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NERSC/shifter-sub000/internal/pkg/config"
	"github.com/NERSC/shifter-sub000/internal/pkg/orchestrator"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
)

var (
	configPath string
	imageType  string
	imageID    string
	userVolume string
	entrypoint string
	workdir    string
	nodeSpec   string
	verbose    bool
)

var shifterCmd = &cobra.Command{
	Use:                   "shifter [flags] -- [entrypoint args...]",
	Short:                 "run a command inside a user-defined image",
	DisableFlagsInUseLine: true,
	Args:                  cobra.ArbitraryArgs,
	RunE:                  runShifter,
}

func init() {
	flags := shifterCmd.Flags()
	// POSIXLY_CORRECT mirrors the original getopt-based parser's
	// behavior of stopping option parsing at the first non-flag
	// argument, so "shifter <flags> -- <cmd> <args...>" passes
	// entrypoint arguments through untouched.
	os.Setenv("POSIXLY_CORRECT", "1")
	flags.SetInterspersed(false)

	flags.StringVar(&configPath, "config", "/etc/shifter/udiRoot.toml", "path to the site configuration file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVarP(&imageType, "image-type", "i", "", "image storage format (docker, squashfs, ext4, ...)")
	flags.StringVar(&imageID, "image", "", "resolved image identifier")
	flags.StringVarP(&userVolume, "volume", "V", "", "user volume map, \"src:dst[:flag[:flag...]];...\"")
	flags.StringVar(&entrypoint, "entrypoint", "", "override the image's entrypoint")
	flags.StringVarP(&workdir, "workdir", "w", "", "override the initial working directory")
	flags.StringVar(&nodeSpec, "nodes", "", "\"host/N host/N ...\" node specification for the in-container hostsfile")
}

// envOr returns the first non-empty value among explicit, the
// SHIFTER_-prefixed environment variable, and its SLURM_SPANK_-prefixed
// counterpart (batch schedulers propagate spank plugin options under
// that prefix).
func envOr(explicit, shifterEnvKey string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(shifterEnvKey); v != "" {
		return v
	}
	return os.Getenv("SLURM_SPANK_" + shifterEnvKey)
}

func runShifter(cmd *cobra.Command, args []string) error {
	if verbose {
		sylog.SetVerbose(true)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cfg.TargetUID = os.Getuid()
	cfg.TargetGID = os.Getgid()
	// Captured before privdrop ever runs: privdrop.Drop later calls
	// setgroups with exactly this list, so it must reflect the
	// invoking user's real supplementary groups, not root's.
	if aux, err := os.Getgroups(); err == nil {
		cfg.AuxGIDs = aux
	}
	if u, err := user.LookupId(strconv.Itoa(cfg.TargetUID)); err == nil {
		cfg.Username = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		cfg.NodeIdentifier = h
	}

	req := orchestrator.Request{
		ImageType:          envOr(imageType, "SHIFTER_IMAGETYPE"),
		ImageIdentifier:    envOr(imageID, "SHIFTER_IMAGE"),
		UserVolumeMap:      envOr(userVolume, "SHIFTER_VOLUME"),
		Entrypoint:         entrypoint,
		EntrypointOverride: entrypoint != "",
		Workdir:            workdir,
		Args:               args,
		NodeSpecString:     nodeSpec,
	}

	job := &orchestrator.Job{Cfg: cfg, Req: req}
	return orchestrator.RunShifter(job)
}

func main() {
	if err := shifterCmd.Execute(); err != nil {
		sylog.Fatalf("%v", err)
	}
}
