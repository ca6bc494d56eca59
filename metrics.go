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

package omen

import (
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/trace"
)

type metrics struct {
	numGets        *expvar.Int
	numPuts        *expvar.Int
	numCommits     *expvar.Int
	numMutableGets *expvar.Int
	numCheckpoints *expvar.Int
	numCompactions *expvar.Int

	segSize *expvar.Int
	walSize *expvar.Int

	dir    string
	elog   trace.EventLog
	ticker *time.Ticker
	stopCh chan struct{}
}

// expvar panics if you try to set an already set variable. So we try get
// first else get new.
func getInt(k string) *expvar.Int {
	if val := expvar.Get(k); val != nil {
		return val.(*expvar.Int)
	}
	return expvar.NewInt(k)
}

func newMetrics(elog trace.EventLog, dir string) *metrics {
	m := &metrics{
		numGets:        getInt(fmt.Sprintf("omen_%s_gets_total", dir)),
		numPuts:        getInt(fmt.Sprintf("omen_%s_puts_total", dir)),
		numCommits:     getInt(fmt.Sprintf("omen_%s_commits_total", dir)),
		numMutableGets: getInt(fmt.Sprintf("omen_%s_mutable_gets_total", dir)),
		numCheckpoints: getInt(fmt.Sprintf("omen_%s_checkpoints_total", dir)),
		numCompactions: getInt(fmt.Sprintf("omen_%s_compactions_total", dir)),
		segSize:        getInt(fmt.Sprintf("omen_%s_segments_size", dir)),
		walSize:        getInt(fmt.Sprintf("omen_%s_wal_size", dir)),
		dir:            dir,
		elog:           elog,
		ticker:         time.NewTicker(time.Minute),
		stopCh:         make(chan struct{}),
	}
	go m.updateSize()
	return m
}

func (m *metrics) totalSize(dir string) (int64, int64) {
	var segSize, walSize int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch filepath.Ext(path) {
		case ".seg":
			segSize += info.Size()
		case ".wal":
			walSize += info.Size()
		}
		return nil
	})
	if err != nil {
		m.elog.Errorf("Got error while calculating total size of directory: %s", dir)
	}
	return segSize, walSize
}

func (m *metrics) updateSize() {
	for {
		select {
		case <-m.ticker.C:
			segSize, walSize := m.totalSize(m.dir)
			m.segSize.Set(segSize)
			m.walSize.Set(walSize)
		case <-m.stopCh:
			return
		}
	}
}

func (m *metrics) stop() {
	m.ticker.Stop()
	close(m.stopCh)
}
