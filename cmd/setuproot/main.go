// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Command setuproot is the setuid prolog helper: it builds or refreshes
// a user-defined container image and leaves it mounted read-only so a
// later, unprivileged job step can reuse it without repeating the
// privileged staging work.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/NERSC/shifter-sub000/internal/pkg/config"
	"github.com/NERSC/shifter-sub000/internal/pkg/orchestrator"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
)

var (
	configPath string
	userVolume string
	sshPubKey  string
	username   string
	targetUID  int
	targetGID  int
	nodeSpec   string
	verbose    bool
)

var setuprootCmd = &cobra.Command{
	Use:                   "setuproot [flags] <imageType> <imageIdentifier>",
	Short:                 "stage a user-defined image in preparation for a later job step",
	DisableFlagsInUseLine: true,
	Args:                  cobra.ExactArgs(2),
	RunE:                  runSetupRoot,
}

func init() {
	flags := setuprootCmd.Flags()
	flags.StringVar(&configPath, "config", "/etc/shifter/udiRoot.toml", "path to the site configuration file")
	flags.BoolVarP(&verbose, "verbose", "V", false, "enable verbose logging")
	flags.StringVarP(&userVolume, "volume", "v", "", "user volume map, \"src:dst[:flag[:flag...]];...\"")
	flags.StringVarP(&sshPubKey, "sshpubkey", "s", "", "ssh public key to install for the target user")
	flags.StringVarP(&username, "username", "u", "", "target user's name")
	flags.IntVarP(&targetUID, "uid", "U", -1, "target user's uid")
	flags.IntVarP(&targetGID, "gid", "G", -1, "target user's primary gid")
	flags.StringVarP(&nodeSpec, "nodes", "N", "", "\"host/N host/N ...\" node specification for the in-container hostsfile")
}

func runSetupRoot(cmd *cobra.Command, args []string) error {
	if verbose {
		sylog.SetVerbose(true)
	}
	if targetUID < 0 {
		return errors.New("-U/--uid is required")
	}
	if targetGID < 0 {
		return errors.New("-G/--gid is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cfg.TargetUID = targetUID
	cfg.TargetGID = targetGID
	cfg.Username = username
	cfg.SSHPubKey = sshPubKey
	if h, err := os.Hostname(); err == nil {
		cfg.NodeIdentifier = h
	}

	req := orchestrator.Request{
		ImageType:       args[0],
		ImageIdentifier: args[1],
		UserVolumeMap:   userVolume,
		NodeSpecString:  nodeSpec,
	}

	job := &orchestrator.Job{Cfg: cfg, Req: req}
	return orchestrator.RunSetupRoot(job)
}

func main() {
	if err := setuprootCmd.Execute(); err != nil {
		sylog.Fatalf("%v", err)
	}
}
