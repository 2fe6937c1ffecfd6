// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.nixrs.dev/nixrs/storepath"
)

func newCatNARCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "cat-nar STORE-PATH",
		Short:                 "dump the NAR serialization of a store path to stdout",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCatNAR(cmd, g, args[0])
	}
	return c
}

func runCatNAR(cmd *cobra.Command, g *globalConfig, arg string) error {
	ctx := cmd.Context()
	path, err := storepath.Parse(arg)
	if err != nil {
		return fmt.Errorf("cat-nar: %w", err)
	}

	cl, err := dial(ctx, g)
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.NarFromPath(ctx, logSink(ctx), path, cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("cat-nar %s: %w", path, err)
	}
	return nil
}
