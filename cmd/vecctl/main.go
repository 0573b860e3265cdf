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

// Command vecctl is the operator CLI for a running vecd:
// collection management, index builds and the flush/compact/
// load maintenance tasks, all over the daemon's HTTP surface.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/annlite/annlite/wire"
)

var (
	dashv    bool
	endpoint string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&endpoint, "e", "http://localhost:19121", "vecd endpoint")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if !dashv {
		return
	}
	if f[len(f)-1] != '\n' {
		f += "\n"
	}
	fmt.Fprintf(os.Stderr, f, args...)
}

// call performs one request against the daemon and decodes the
// response into out (when out is non-nil).
func call(method, path string, body, out any) {
	var rd io.Reader
	if body != nil {
		buf, err := wire.Marshal(body)
		if err != nil {
			exitf("encode request: %s\n", err)
		}
		logf("%s %s %s", method, path, buf)
		rd = bytes.NewReader(buf)
	} else {
		logf("%s %s", method, path)
	}
	req, err := http.NewRequest(method, endpoint+path, rd)
	if err != nil {
		exitf("%s\n", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		exitf("%s\n", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		var status wire.Status
		if wire.Decode(res.Body, &status) == nil {
			exitf("%s: %s (code %d)\n", path, status.Message, status.Code)
		}
		exitf("%s: HTTP %s\n", path, res.Status)
	}
	if out != nil {
		if err := wire.Decode(res.Body, out); err != nil {
			exitf("decode response: %s\n", err)
		}
	}
}

// entry point for 'vecctl create ...'
func create(name string, dimension int, metric string) {
	call(http.MethodPost, "/collections", wire.CollectionRequest{
		Name:       name,
		Dimension:  dimension,
		MetricType: metric,
	}, nil)
	fmt.Printf("created collection %s\n", name)
}

// entry point for 'vecctl describe ...'
func describe(name string) {
	var out map[string]any
	call(http.MethodGet, "/collections/"+name, nil, &out)
	for _, k := range []string{"collection_name", "dimension", "metric_type", "index_file_size", "count", "segment_count"} {
		fmt.Printf("%-16s %v\n", k, out[k])
	}
}

// entry point for 'vecctl drop ...'
func drop(name string) {
	call(http.MethodDelete, "/collections/"+name, nil, nil)
	fmt.Printf("dropped collection %s\n", name)
}

// entry point for 'vecctl index ...'
func index(name, indexType string) {
	call(http.MethodPost, "/collections/"+name+"/indexes", wire.IndexRequest{IndexType: indexType}, nil)
	fmt.Printf("built %s index on %s\n", strings.ToUpper(indexType), name)
}

// entry point for 'vecctl search ...'
func search(name string, topk int, vector []float32) {
	var out wire.SearchResponse
	call(http.MethodPut, "/collections/"+name+"/vectors", wire.VectorsAction{
		Search: &wire.SearchRequest{Vectors: [][]float32{vector}, TopK: int64(topk)},
	}, &out)
	for _, row := range out.Results {
		for _, hit := range row {
			fmt.Printf("%d\t%g\n", hit.ID, hit.Distance)
		}
	}
}

func task(req wire.TaskRequest, what string) {
	call(http.MethodPut, "/system/task", req, nil)
	fmt.Println(what)
}

func parseVector(args []string) []float32 {
	vec := make([]float32, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 32)
		if err != nil {
			exitf("bad vector component %q: %s\n", a, err)
		}
		vec[i] = float32(v)
	}
	return vec
}

func usage() {
	exitf(`usage: vecctl [-e endpoint] [-v] <command> ...
commands:
  create <name> <dimension> [metric]   create a collection
  describe <name>                      show collection info
  drop <name>                          drop a collection
  index <name> <index-type>            build an index (FLAT, IVFFLAT, IVFSQ8, IVFPQ, HNSW, NSG)
  search <name> <topk> <v0> <v1> ...   top-k search for one query vector
  flush [name ...]                     seal growing segments
  compact <name>                       run one merge pass
  load <name>                          warm the CPU cache
`)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "create":
		if len(args) < 2 {
			usage()
		}
		dim, err := strconv.Atoi(args[1])
		if err != nil {
			exitf("bad dimension %q: %s\n", args[1], err)
		}
		metric := "L2"
		if len(args) > 2 {
			metric = args[2]
		}
		create(args[0], dim, metric)
	case "describe":
		if len(args) != 1 {
			usage()
		}
		describe(args[0])
	case "drop":
		if len(args) != 1 {
			usage()
		}
		drop(args[0])
	case "index":
		if len(args) != 2 {
			usage()
		}
		index(args[0], args[1])
	case "search":
		if len(args) < 3 {
			usage()
		}
		topk, err := strconv.Atoi(args[1])
		if err != nil {
			exitf("bad topk %q: %s\n", args[1], err)
		}
		search(args[0], topk, parseVector(args[2:]))
	case "flush":
		task(wire.TaskRequest{Flush: &wire.FlushTask{CollectionNames: args}}, "flushed")
	case "compact":
		if len(args) != 1 {
			usage()
		}
		task(wire.TaskRequest{Compact: &wire.CompactTask{CollectionName: args[0]}}, "compacted")
	case "load":
		if len(args) != 1 {
			usage()
		}
		task(wire.TaskRequest{Load: &wire.LoadTask{CollectionName: args[0]}}, "loaded")
	default:
		usage()
	}
}
