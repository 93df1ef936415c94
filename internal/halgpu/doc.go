// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halgpu implements xdev.SecondaryDevice on top of the gogpu/wgpu
// HAL.
//
// The device either opens its own adapter (Open) or wraps a hal.Device and
// hal.Queue owned by someone else (New). Buffers are storage buffers usable
// by compute passes. Command lists wrap a hal command encoder; queue
// signals submit every pending list with the device's internal hal fence,
// wait for it, and then advance the shared timeline fence.
//
// Resource states are tracked per device. A barrier whose Before state does
// not match the tracked state fails the command list, and the error is
// returned by Flush.
package halgpu
