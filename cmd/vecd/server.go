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

package main

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/ingest"
	"github.com/annlite/annlite/scheduler"
	"github.com/annlite/annlite/segment"
)

type server struct {
	logger   *log.Logger
	store    *config.Store
	storage  *ingest.DiskStorage
	pipeline *ingest.Pipeline
	sched    *scheduler.Scheduler
	catalog  *catalog
}

func newServer(logger *log.Logger, store *config.Store, storage *ingest.DiskStorage, pipeline *ingest.Pipeline, sched *scheduler.Scheduler) *server {
	return &server{
		logger:   logger,
		store:    store,
		storage:  storage,
		pipeline: pipeline,
		sched:    sched,
		catalog:  newCatalog(),
	}
}

func (s *server) handler() *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("/collections", s.collectionsHandler)
	r.HandleFunc("/collections/", s.collectionHandler)
	r.HandleFunc("/system/task", s.taskHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// startAutoFlush runs the background flush loop, sealing every
// growing segment on the configured interval.
func (s *server) startAutoFlush(every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		tick := time.NewTicker(every)
		defer tick.Stop()
		for range tick.C {
			s.flushAll()
		}
	}()
}

func (s *server) flushAll() {
	refs, err := s.pipeline.Flush("")
	if err != nil {
		s.logger.Printf("auto flush: %v", err)
		return
	}
	s.registerSealed(refs)
}

// registerSealed attaches newly sealed segments to their
// collections.
func (s *server) registerSealed(refs []*segment.Schema) {
	for _, ref := range refs {
		col, err := s.catalog.get(ref.CollectionID)
		if err != nil {
			// collection dropped while its segment was growing
			s.logger.Printf("sealed segment %s: %v", ref.FileID, err)
			continue
		}
		if col.IndexFileSize > 0 {
			ref.IndexFileSizeTarget = col.IndexFileSize
		}
		col.addSegments(ref)
	}
}
