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

//go:build !gpu

package vecindex

import "github.com/annlite/annlite/vdberr"

// GPUSupported reports whether this binary was built with GPU
// support.
const GPUSupported = false

func gpuClone(src Index, deviceID int) (Index, error) {
	return nil, vdberr.New(vdberr.ResourceUnavailable, "binary built without gpu support")
}
