// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/meggie4/partnerkv"
)

var getCmd = &cobra.Command{
	Use:   "get <dir> <key>",
	Short: "look up a single key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	d, err := partnerkv.Open(args[0], &partnerkv.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	v, err := d.Get([]byte(args[1]))
	if errors.Is(err, partnerkv.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "(not found)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(v))
	return nil
}

var putCmd = &cobra.Command{
	Use:   "put <dir> <key> <value>",
	Short: "set a single key",
	Args:  cobra.ExactArgs(3),
	RunE:  runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	d, err := partnerkv.Open(args[0], &partnerkv.Options{})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Set([]byte(args[1]), []byte(args[2]), true)
}
