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

package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/annlite/annlite/vdberr"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	doc := `
cache:
  cache_size: 1073741824
gpu:
  enable: true
  gpu_search_threshold: 500
  search_devices: [0, 1]
storage:
  path: /tmp/annlite-test
`
	c, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if c.Cache.CacheSize != 1<<30 {
		t.Errorf("cache.cache_size: got %d", c.Cache.CacheSize)
	}
	// untouched keys keep their defaults
	if c.Cache.InsertBufferSize != Default().Cache.InsertBufferSize {
		t.Errorf("insert_buffer_size not defaulted: %d", c.Cache.InsertBufferSize)
	}
	if !c.GPU.Enable || len(c.GPU.SearchDevices) != 2 {
		t.Errorf("gpu block mis-parsed: %+v", c.GPU)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"negative cache", "cache:\n  cache_size: -5\n"},
		{"gpu without devices", "gpu:\n  enable: true\n"},
		{"empty storage path", "storage:\n  path: \"\"\n"},
		{"wal enabled without path", "wal:\n  enable: true\n  path: \"\"\n"},
		{"negative threshold", "gpu:\n  gpu_search_threshold: -1\n"},
	}
	for _, tc := range cases {
		_, err := Load(strings.NewReader(tc.doc))
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if vdberr.KindOf(err) != vdberr.InvalidArgument {
			t.Errorf("%s: kind %v, want InvalidArgument", tc.name, vdberr.KindOf(err))
		}
	}
}

func TestStoreUpdateNotifies(t *testing.T) {
	s := NewStore(Default())
	var seen []int64
	cancel := s.Subscribe(func(ev Event) error {
		seen = append(seen, ev.New.Cache.CacheSize)
		return nil
	})
	err := s.Update(func(c *Config) { c.Cache.CacheSize = 123 << 20 })
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 123<<20 {
		t.Fatalf("listener saw %v", seen)
	}
	if s.Current().Cache.CacheSize != 123<<20 {
		t.Fatal("update not visible to Current")
	}
	cancel()
	s.Update(func(c *Config) { c.Cache.CacheSize = 1 << 20 })
	if len(seen) != 1 {
		t.Fatal("cancelled listener still notified")
	}
}

func TestStoreListenerRefusal(t *testing.T) {
	s := NewStore(Default())
	refuse := errors.New("not while serving")
	s.Subscribe(func(Event) error { return refuse })
	before := s.Current().Cache.CacheSize
	err := s.Update(func(c *Config) { c.Cache.CacheSize = 99 << 20 })
	if !errors.Is(err, refuse) {
		t.Fatalf("got %v, want listener refusal", err)
	}
	if s.Current().Cache.CacheSize != before {
		t.Fatal("refused update applied anyway")
	}
}

func TestStoreUpdateValidates(t *testing.T) {
	s := NewStore(Default())
	err := s.Update(func(c *Config) { c.Cache.CacheSize = -1 })
	if vdberr.KindOf(err) != vdberr.InvalidArgument {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
}
