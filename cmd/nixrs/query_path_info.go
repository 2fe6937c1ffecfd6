// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.nixrs.dev/nixrs/storepath"
)

func newQueryPathInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "query-path-info STORE-PATH",
		Short:                 "print the registered metadata for a store path",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runQueryPathInfo(cmd, g, args[0])
	}
	return c
}

func runQueryPathInfo(cmd *cobra.Command, g *globalConfig, arg string) error {
	ctx := cmd.Context()
	path, err := storepath.Parse(arg)
	if err != nil {
		return fmt.Errorf("query-path-info: %w", err)
	}

	cl, err := dial(ctx, g)
	if err != nil {
		return err
	}
	defer cl.Close()

	info, err := cl.QueryPathInfo(ctx, logSink(ctx), path)
	if err != nil {
		return fmt.Errorf("query-path-info %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Path:          %s\n", info.Path)
	if info.Deriver != "" {
		fmt.Fprintf(out, "Deriver:       %s\n", info.Deriver)
	}
	fmt.Fprintf(out, "NarHash:       %s\n", info.NARHash)
	fmt.Fprintf(out, "NarSize:       %d\n", info.NARSize)
	if !info.CA.IsZero() {
		fmt.Fprintf(out, "CA:            %s\n", info.CA)
	}
	fmt.Fprintf(out, "Registered At: %s\n", time.Unix(info.RegistrationTime, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Ultimate:      %t\n", info.Ultimate)
	fmt.Fprintf(out, "References:    %d\n", len(info.References))
	for _, ref := range info.References {
		fmt.Fprintf(out, "    %s\n", ref)
	}
	fmt.Fprintf(out, "Signatures:    %d\n", len(info.Sigs))
	for _, sig := range info.Sigs {
		fmt.Fprintf(out, "    %s\n", sig)
	}
	return nil
}
