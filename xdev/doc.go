// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package xdev defines the device contracts shared by a host renderer and
// the voxgi subsystem.
//
// Two independent device contexts take part in every frame:
//
//   - a PrimaryDevice, owned by the host, which creates the vertex/index
//     buffers, input layouts and textures the renderer draws with;
//   - a SecondaryDevice, owned by voxgi, which runs the acceleration
//     library's compute work on its own queue.
//
// Memory crosses between them only through SharedHandle values: the
// allocating side exports a resource, the other side opens the handle and
// receives an alias. Ownership is carried in the type system. The allocator
// holds an [Owned] and importers hold a [View], which can be queried for
// validity but never released.
//
// Ordering between the two queues is expressed with shared timeline
// [Fence] objects. A fence is signalled by exactly one queue (the queue of
// the device that created it); aliases opened on the other device may only
// be waited on.
package xdev
