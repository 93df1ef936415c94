// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xdev

import "fmt"

// Format is a vertex element or texel format.
type Format uint16

const (
	FormatUnknown Format = iota
	FormatR32G32B32A32Float
	FormatR32G32B32Float
	FormatR16G16B16A16Float
	FormatR32G32Float
	FormatR16G16Float
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatR10G10B10A2Unorm
	FormatR32Float
	FormatR32Uint
	FormatR16Uint
)

var formatInfo = [...]struct {
	name string
	size uint32
}{
	FormatUnknown:           {"UNKNOWN", 0},
	FormatR32G32B32A32Float: {"R32G32B32A32_FLOAT", 16},
	FormatR32G32B32Float:    {"R32G32B32_FLOAT", 12},
	FormatR16G16B16A16Float: {"R16G16B16A16_FLOAT", 8},
	FormatR32G32Float:       {"R32G32_FLOAT", 8},
	FormatR16G16Float:       {"R16G16_FLOAT", 4},
	FormatR8G8B8A8Unorm:     {"R8G8B8A8_UNORM", 4},
	FormatB8G8R8A8Unorm:     {"B8G8R8A8_UNORM", 4},
	FormatR10G10B10A2Unorm:  {"R10G10B10A2_UNORM", 4},
	FormatR32Float:          {"R32_FLOAT", 4},
	FormatR32Uint:           {"R32_UINT", 4},
	FormatR16Uint:           {"R16_UINT", 2},
}

// Size returns the byte size of one element, or 0 for unknown formats.
func (f Format) Size() uint32 {
	if int(f) >= len(formatInfo) {
		return 0
	}
	return formatInfo[f].size
}

// String returns the conventional upper-case format name.
func (f Format) String() string {
	if int(f) >= len(formatInfo) {
		return fmt.Sprintf("Format(%d)", uint16(f))
	}
	return formatInfo[f].name
}

// ParseFormat is the inverse of String.
func ParseFormat(s string) (Format, error) {
	for i, fi := range formatInfo {
		if fi.name == s {
			return Format(i), nil
		}
	}
	return FormatUnknown, fmt.Errorf("xdev: unknown format %q", s)
}
