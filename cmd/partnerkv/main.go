// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Command partnerkv opens and introspects a partnerkv store: inspect its
// level shape, force a compaction, or look up a key (EXPANSION A5).
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "partnerkv [command] (flags)",
	Short: "inspect and operate on a partnerkv store",
	Long:  ``,
}

func main() {
	log.SetFlags(0)
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(inspectCmd, compactCmd, getCmd, putCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
