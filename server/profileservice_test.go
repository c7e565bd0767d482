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
	"bytes"
	"testing"
)

func TestProfileServiceGetMissing(t *testing.T) {
	s, err := newProfileService(10, "", 8)
	if err != nil {
		t.Fatalf("newProfileService() failed: %s", err)
	}
	if _, ok := s.Get("no-such-run"); ok {
		t.Errorf("Get() on empty cache ok = true, want false")
	}
}

func TestProfileServiceSubmitRecordsFailure(t *testing.T) {
	s, err := newProfileService(10, "", 8)
	if err != nil {
		t.Fatalf("newProfileService() failed: %s", err)
	}

	// Not a gzip stream, so extraction fails before profiling begins;
	// Submit should report the error directly rather than caching a run.
	if _, err := s.Submit(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Errorf("Submit() with a non-gzip upload succeeded, want an error")
	}
}

func TestProfileServiceSubmitCachesProfilingFailure(t *testing.T) {
	s, err := newProfileService(10, "", 8)
	if err != nil {
		t.Fatalf("newProfileService() failed: %s", err)
	}

	archive := buildTarGz(t, map[string]string{
		"README": "this trace directory has no events/header_page",
	})

	id, err := s.Submit(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Submit() failed: %s", err)
	}

	r, ok := s.Get(id)
	if !ok {
		t.Fatalf("Get(%s) ok = false, want true", id)
	}
	if r.Err == nil {
		t.Errorf("run.Err = nil, want an error (missing header_page)")
	}
}
