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

//go:build !linux

package devcache

import "os"

// MapFile falls back to a plain read on non-Linux platforms; we
// don't expect the device cache to run anywhere else, the same
// caveat the tenant cache's own platform fallback carries.
func MapFile(fp string) ([]byte, error) {
	return os.ReadFile(fp)
}

// UnmapFile is a no-op on the fallback path: MapFile returned an
// ordinary heap buffer for the GC to collect.
func UnmapFile(mem []byte) error {
	return nil
}
