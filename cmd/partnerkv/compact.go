// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"github.com/spf13/cobra"

	"github.com/meggie4/partnerkv"
)

var compactStart, compactEnd string

var compactCmd = &cobra.Command{
	Use:   "compact <dir>",
	Short: "force every run overlapping [start, end) to be rewritten",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompact,
}

func init() {
	compactCmd.Flags().StringVar(&compactStart, "start", "", "inclusive range start (empty means unbounded)")
	compactCmd.Flags().StringVar(&compactEnd, "end", "\xff", "exclusive range end")
}

func runCompact(cmd *cobra.Command, args []string) error {
	d, err := partnerkv.Open(args[0], &partnerkv.Options{})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.CompactRange([]byte(compactStart), []byte(compactEnd))
}
