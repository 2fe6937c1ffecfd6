// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.nixrs.dev/nixrs/storepath"
)

func newIsValidPathCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "is-valid-path STORE-PATH",
		Short:                 "check whether a store path is registered as valid",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runIsValidPath(cmd, g, args[0])
	}
	return c
}

func runIsValidPath(cmd *cobra.Command, g *globalConfig, arg string) error {
	ctx := cmd.Context()
	path, err := storepath.Parse(arg)
	if err != nil {
		return fmt.Errorf("is-valid-path: %w", err)
	}

	cl, err := dial(ctx, g)
	if err != nil {
		return err
	}
	defer cl.Close()

	valid, err := cl.IsValidPath(ctx, logSink(ctx), path)
	if err != nil {
		return fmt.Errorf("is-valid-path %s: %w", path, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), valid)
	if !valid {
		os.Exit(1)
	}
	return nil
}
