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
// Package main runs an HTTP server that accepts uploaded trace-cmd
// captures, profiles them, and serves the resulting summaries as JSON.
package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"
)

var (
	port       = flag.Int("port", 7403, "The traceprofile HTTP port.")
	cacheSize  = flag.Int("cache_size", 25, "The maximum number of profiled runs to keep in memory at once.")
	symbolFile = flag.String("symbol_file", "", "Optional /proc/kallsyms-style symbol table for resolving function addresses.")
	longSize   = flag.Int("long_size", 8, "Captured machine's word size in bytes (4 or 8).")
)

const (
	err500  = "Internal Server Error"
	idParam = "id"
)

type profileHTTPHandler struct{ *profileService }

// handleSubmit accepts a multipart upload under the "file" field
// containing a gzipped tar of a trace-cmd capture directory, profiles
// it, and returns the run's ID as a plain-text body.
func (p *profileHTTPHandler) handleSubmit(w http.ResponseWriter, req *http.Request) {
	// 500 MB memory limit; trace captures can run large.
	if err := req.ParseMultipartForm(500 * 1024 * 1024); err != nil {
		log.Error(err)
		http.Error(w, err500, http.StatusInternalServerError)
		return
	}

	files := req.MultipartForm.File["file"]
	if len(files) == 0 {
		http.Error(w, "missing \"file\" field", http.StatusBadRequest)
		return
	}

	file, err := files[0].Open()
	if err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Errorf("failed to close multipart temp file: %s", err)
		}
	}()

	id, err := p.Submit(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to profile upload: %s", err), http.StatusBadRequest)
		return
	}
	sendStringHTTPResponse(req, id, w)
}

// handleGetSummary serves a completed run's report.Summary as JSON by
// ID, given as the "id" query parameter.
func (p *profileHTTPHandler) handleGetSummary(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
		return
	}
	id := req.Form.Get(idParam)
	if id == "" {
		http.Error(w, "missing \"id\" parameter", http.StatusBadRequest)
		return
	}

	r, ok := p.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("no run found for id %q", id), http.StatusNotFound)
		return
	}
	if r.Err != nil {
		http.Error(w, fmt.Sprintf("run %q failed: %s", id, r.Err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, r.Summary, w)
}

func registerProfileService(r *mux.Router, p *profileService) {
	ph := &profileHTTPHandler{p}
	r.HandleFunc("/submit", ph.handleSubmit)
	r.HandleFunc("/summary", ph.handleGetSummary)
}

var startServer = func(r *mux.Router) {
	http.Handle("/", r)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context) {
	r := mux.NewRouter()

	p, err := newProfileService(*cacheSize, *symbolFile, *longSize)
	if err != nil {
		log.Exit(err)
	}

	registerProfileService(r, p)
	startServer(r)
}

func main() {
	flag.Parse()
	runServer(context.Background())
}

// gzipEnabledWriter returns a gzip writer that wraps the
// http.ResponseWriter if the client supports reading gzip; if it does
// not, the http.ResponseWriter is returned unchanged. The function also
// returns a closing function, a no-op unless gzip is in use.
func gzipEnabledWriter(req *http.Request, w http.ResponseWriter) (io.Writer, func() error) {
	if strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		gzw := gzip.NewWriter(w)
		return gzw, gzw.Close
	}
	return w, func() error { return nil }
}

func sendStringHTTPResponse(req *http.Request, res string, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	writer, closer := gzipEnabledWriter(req, w)
	defer func() { _ = closer() }()
	if _, err := writer.Write([]byte(res)); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
	}
}

func sendStructHTTPResponse(req *http.Request, res interface{}, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	writer, closer := gzipEnabledWriter(req, w)
	defer func() { _ = closer() }()
	if err := json.NewEncoder(writer).Encode(res); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
	}
}
