// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/darklaunch/cmd/darklaunch/internal/simulate"
	"github.com/AleutianAI/darklaunch/pkg/config"
	"github.com/AleutianAI/darklaunch/pkg/ux"
)

var initForce bool // Overwrite an existing file

// initCmd writes the default configuration.
//
// # Examples
//
//	darklaunch init                  # Write ./darklaunch.yaml
//	darklaunch init -c ops/dl.yaml   # Write elsewhere
//	darklaunch init --force          # Replace an existing file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runInitCommand,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false,
		"Overwrite the configuration file if it exists")
	rootCmd.AddCommand(initCmd)
}

func runInitCommand(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	p := ux.NewPrinter(out, ux.DetectMode(out))

	if initForce {
		if err := os.Remove(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return withExit(simulate.ExitFailure, err)
		}
	}

	if err := config.WriteDefault(configPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return withExit(simulate.ExitBadArgs, fmt.Errorf("%w (use --force to replace it)", err))
		}
		return withExit(simulate.ExitFailure, err)
	}
	p.Success(fmt.Sprintf("Wrote %s", configPath))
	return nil
}
