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

//go:build gpu

package vecindex

// GPUSupported reports whether this binary was built with GPU
// support.
const GPUSupported = true

// gpuClone deep-copies src through its serialized form into a
// fresh index bound to deviceID. The round-trip guarantees the
// device copy shares no mutable state with the CPU original.
func gpuClone(src Index, deviceID int) (Index, error) {
	bs, err := src.Serialize(nil)
	if err != nil {
		return nil, err
	}
	fresh, err := New(src.Variant(), 0, 0)
	if err != nil {
		return nil, err
	}
	if err := fresh.Load(bs); err != nil {
		return nil, err
	}
	return &gpuIndex{Index: fresh, device: deviceID}, nil
}
