//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
package main

import (
	"io"
	"io/ioutil"
	"os"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/google/traceprofile/cpureader"
	"github.com/google/traceprofile/pairing"
	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/report"
	"github.com/google/traceprofile/symbols"
	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/traceparser"
)

// run is one submitted trace's state, cached by ID until evicted.
type run struct {
	ID      string
	Done    bool
	Summary report.Summary
	Err     error
}

// profileService extracts uploaded trace-cmd captures, runs them through
// the pairing engine, and keeps the resulting summaries around for
// retrieval, evicting the least recently used once more than cacheSize
// accumulate.
//
// This plays the role the reference server's FSStorage plays for
// collections: a bounded, keyed cache of expensive-to-recompute state,
// built the same way with a simplelru.LRU guarded by a mutex.
type profileService struct {
	mu         sync.Mutex
	cache      *simplelru.LRU
	symbolFile string
	longSize   int
}

func newProfileService(cacheSize int, symbolFile string, longSize int) (*profileService, error) {
	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &profileService{cache: cache, symbolFile: symbolFile, longSize: longSize}, nil
}

// Submit extracts the gzipped tar read from r into a scratch directory,
// profiles it synchronously, and returns the run ID the result is filed
// under. The scratch directory is removed before Submit returns.
func (s *profileService) Submit(r io.Reader) (string, error) {
	id := uuid.New().String()

	dir, err := ioutil.TempDir("", "traceprofile-upload")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Errorf("failed to remove scratch dir %s: %s", dir, err)
		}
	}()

	if err := untar(r, dir); err != nil {
		return "", err
	}

	summary, err := s.profile(dir)

	s.mu.Lock()
	s.cache.Add(id, &run{ID: id, Done: true, Summary: summary, Err: err})
	s.mu.Unlock()

	return id, nil
}

func (s *profileService) profile(dir string) (report.Summary, error) {
	tp, err := traceparser.LoadFromDir(dir)
	if err != nil {
		return report.Summary{}, err
	}

	reg, err := registry.New(tp)
	if err != nil {
		return report.Summary{}, err
	}

	var sym symbols.Source
	if s.symbolFile != "" {
		f, err := os.Open(s.symbolFile)
		if err != nil {
			return report.Summary{}, err
		}
		sym, err = symbols.ParseKallsyms(f)
		f.Close()
		if err != nil {
			return report.Summary{}, err
		}
	}

	reader, err := cpureader.Load(dir, tp, s.longSize)
	if err != nil {
		return report.Summary{}, err
	}

	handle, err := pairing.NewHandle(reg, sym, reader.CPUCount())
	if err != nil {
		return report.Summary{}, err
	}

	if err := cpureader.Drive(reader, func(rec *trace.Record, cpu int64) error {
		return handle.HandleRecord(rec)
	}); err != nil {
		return report.Summary{}, err
	}

	return report.Summarize(handle, nil), nil
}

// Get returns the run filed under id, or ok=false if no such run is
// cached (never submitted, or evicted).
func (s *profileService) Get(id string) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*run), true
}
