// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command vecd is the vector database daemon: it serves the
// collection/vector/index HTTP surface and runs the ingest
// pipeline, merge loop and task scheduler in-process.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/idgen"
	"github.com/annlite/annlite/ingest"
	"github.com/annlite/annlite/scheduler"
)

var version = "development"

// exit codes, part of the operational contract
const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
	exitBind    = 3
)

func main() {
	var (
		endpoint   = flag.String("e", "localhost:19121", "endpoint to listen on")
		configPath = flag.String("f", "", "path to the YAML configuration")
		printVer   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()
	if *printVer {
		fmt.Println(version)
		os.Exit(exitOK)
	}
	logger := log.New(os.Stderr, "vecd: ", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			logger.Printf("open config: %v", err)
			os.Exit(exitConfig)
		}
		cfg, err = config.Load(f)
		f.Close()
		if err != nil {
			logger.Printf("load config: %v", err)
			os.Exit(exitConfig)
		}
	}
	store := config.NewStore(cfg)

	if err := os.MkdirAll(cfg.Storage.Path, 0750); err != nil {
		logger.Printf("storage init: %v", err)
		os.Exit(exitStorage)
	}
	storage := ingest.NewDiskStorage(cfg.Storage.Path)
	pipeline := ingest.NewPipeline(cfg.Storage.Path, idgen.New(), cfg.Cache.InsertBufferSize)
	pipeline.Logf = logger.Printf

	sched, err := scheduler.New(store, storage)
	if err != nil {
		logger.Printf("scheduler init: %v", err)
		os.Exit(exitConfig)
	}
	sched.Logf = logger.Printf

	s := newServer(logger, store, storage, pipeline, sched)

	sock, err := net.Listen("tcp", *endpoint)
	if err != nil {
		logger.Printf("bind %s: %v", *endpoint, err)
		os.Exit(exitBind)
	}
	logger.Printf("listening on %s", sock.Addr())
	s.startAutoFlush(cfg.AutoFlushEvery())
	if err := http.Serve(sock, s.handler()); err != nil {
		logger.Fatal(err)
	}
}
