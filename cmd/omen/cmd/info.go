/*
 * Copyright 2023 OmenDB, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the files of a store directory.",
	Long: `
Lists the immutable segments and WAL files of a store directory with their
sizes, without opening the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInfo(storeDir)
	},
}

func init() {
	RootCmd.AddCommand(infoCmd)
}

func printInfo(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type fileLine struct {
		name string
		size int64
	}
	var segs, wals, other []fileLine
	var segBytes, walBytes int64
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return err
		}
		line := fileLine{name: e.Name(), size: fi.Size()}
		switch {
		case strings.HasSuffix(e.Name(), ".seg"):
			segs = append(segs, line)
			segBytes += fi.Size()
		case strings.HasSuffix(e.Name(), ".wal"):
			wals = append(wals, line)
			walBytes += fi.Size()
		case e.Name() == "MANIFEST":
			other = append(other, line)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].name < segs[j].name })
	sort.Slice(wals, func(i, j int) bool { return wals[i].name < wals[j].name })

	fmt.Printf("Store directory: %s\n\n", filepath.Clean(dir))
	fmt.Printf("Segments (%d, %s total):\n", len(segs), humanize.IBytes(uint64(segBytes)))
	for _, s := range segs {
		fmt.Printf("  %-16s %10s\n", s.name, humanize.IBytes(uint64(s.size)))
	}
	fmt.Printf("\nWAL files (%d, %s total):\n", len(wals), humanize.IBytes(uint64(walBytes)))
	for _, w := range wals {
		fmt.Printf("  %-16s %10s\n", w.name, humanize.IBytes(uint64(w.size)))
	}
	for _, o := range other {
		fmt.Printf("\n%-18s %10s\n", o.name, humanize.IBytes(uint64(o.size)))
	}
	return nil
}
