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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omendb/omen/wal"
	"github.com/omendb/omen/y"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate WAL record CRCs and segment footers.",
	Long: `
Walks every WAL file record by record validating CRCs, and checks each
segment file's magic and footer checksum. Reports what a recovery would
drop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(storeDir)
	},
}

func init() {
	RootCmd.AddCommand(verifyCmd)
}

func runVerify(dir string) error {
	w, err := wal.Open(wal.Options{Dir: dir})
	if err != nil {
		return err
	}
	var records int
	res, err := w.Replay(func(rec wal.Record) error {
		records++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("WAL: %d intact record(s), next lsn %d", records, res.NextLSN)
	if res.Dropped > 0 {
		fmt.Printf(", %d record(s) would be dropped across %d file(s)", res.Dropped, res.BadFiles)
	}
	fmt.Println()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := verifySegmentFile(path); err != nil {
			fmt.Printf("segment %s: CORRUPT: %v\n", e.Name(), err)
			continue
		}
		fmt.Printf("segment %s: ok\n", e.Name())
	}
	return nil
}

// verifySegmentFile checks the magic and the footer CRC without needing the
// table schema.
func verifySegmentFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < 40 {
		return fmt.Errorf("only %d bytes", len(data))
	}
	if string(data[:5]) != "LISC1" {
		return fmt.Errorf("bad magic %q", data[:5])
	}
	footerLen := binary.BigEndian.Uint32(data[len(data)-8 : len(data)-4])
	wantCrc := binary.BigEndian.Uint32(data[len(data)-4:])
	if int(footerLen) > len(data)-8 {
		return fmt.Errorf("footer length %d out of range", footerLen)
	}
	footer := data[len(data)-8-int(footerLen) : len(data)-8]
	if got := crc32.Checksum(footer, y.CastagnoliCrcTable); got != wantCrc {
		return fmt.Errorf("footer crc %d != %d", got, wantCrc)
	}
	return nil
}
