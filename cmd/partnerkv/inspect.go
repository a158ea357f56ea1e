// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meggie4/partnerkv"
)

var inspectWatch bool
var inspectInterval time.Duration

var inspectCmd = &cobra.Command{
	Use:   "inspect <dir>",
	Short: "print each level's run count and size",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVarP(&inspectWatch, "watch", "w", false, "keep sampling and redraw")
	inspectCmd.Flags().DurationVar(&inspectInterval, "interval", time.Second, "sampling interval with --watch")
}

func runInspect(cmd *cobra.Command, args []string) error {
	d, err := partnerkv.Open(args[0], &partnerkv.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	var flushP99History []float64
	for {
		levels, flushP99, classicalP99, splitP99 := d.Metrics().Snapshot()

		var buf bytes.Buffer
		tbl := tablewriter.NewWriter(&buf)
		tbl.SetHeader([]string{"Level", "Runs", "Size"})
		for _, lm := range levels {
			if lm.NumFiles == 0 {
				continue
			}
			tbl.Append([]string{fmt.Sprintf("L%d", lm.Level), fmt.Sprintf("%d", lm.NumFiles), fmt.Sprintf("%d", lm.TotalSize)})
		}
		tbl.Render()
		fmt.Fprint(cmd.OutOrStdout(), buf.String())
		fmt.Fprintf(cmd.OutOrStdout(), "flush p99: %s  classical compaction p99: %s  split compaction p99: %s\n",
			time.Duration(flushP99), time.Duration(classicalP99), time.Duration(splitP99))

		if !inspectWatch {
			return nil
		}
		flushP99History = append(flushP99History, float64(flushP99)/float64(time.Millisecond))
		if len(flushP99History) > 1 {
			fmt.Fprintln(cmd.OutOrStdout(), asciigraph.Plot(flushP99History, asciigraph.Height(8), asciigraph.Caption("flush p99 (ms)")))
		}
		time.Sleep(inspectInterval)
	}
}
