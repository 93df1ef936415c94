// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xdev

import (
	"context"
	"errors"
)

var (
	// ErrNotShareable is returned when exporting a resource that was not
	// created with MiscSharedNTHandle.
	ErrNotShareable = errors.New("xdev: resource not created with shared NT handle flag")

	// ErrNotOwner is returned when a fence alias is signalled. Only the
	// device that created a fence may signal it.
	ErrNotOwner = errors.New("xdev: fence signalled by non-owning device")

	// ErrFenceStall is returned when a fence wait does not resolve within
	// the device's timeout. It indicates device loss or a missed submission.
	ErrFenceStall = errors.New("xdev: fence wait did not resolve")

	// ErrUnknownHandle is returned when opening or closing a handle that was
	// never exported or has already been closed.
	ErrUnknownHandle = errors.New("xdev: unknown shared handle")

	// ErrResourceReleased is returned when exporting or opening a resource
	// whose owner has already released it.
	ErrResourceReleased = errors.New("xdev: resource released")
)

// Fence is a monotonically increasing timeline value visible to both
// devices.
type Fence interface {
	Label() string
	// Completed returns the last value the fence reached.
	Completed() uint64
	// Wait blocks the calling goroutine until the fence reaches v or ctx is
	// done. Used only at teardown and by device implementations.
	Wait(ctx context.Context, v uint64) error
}

// Queue orders work on one device.
type Queue interface {
	// Signal sets f to v once all previously submitted work completes.
	// f must have been created by this queue's device.
	Signal(f Fence, v uint64) error
	// Wait orders later work on this queue after f reaches v. Devices
	// without a GPU-side wait on another device's fence, such as the HAL
	// device, block the calling goroutine until f reaches v or the device's
	// fence timeout expires (ErrFenceStall); nothing is submitted
	// before Wait returns.
	Wait(f Fence, v uint64) error
}

// Device is the part of the contract both sides implement.
type Device interface {
	Name() string
	Queue() Queue

	CreateSharedFence(label string) (Fence, error)
	ExportFence(f Fence) (SharedHandle, error)
	OpenSharedFence(h SharedHandle) (Fence, error)

	// ExportResource creates a named shareable handle for res.
	// It fails with ErrNotShareable unless res carries MiscSharedNTHandle.
	ExportResource(res Resource, access Access) (SharedHandle, error)
	// OpenSharedResource returns an alias of the exported resource living
	// on this device.
	OpenSharedResource(h SharedHandle, access Access) (Resource, error)
	// CloseHandle drops one reference to the shared handle.
	CloseHandle(h SharedHandle) error
}

// PrimaryDevice is the host renderer's device.
type PrimaryDevice interface {
	Device
}

// SecondaryDevice is the device the acceleration library runs on.
type SecondaryDevice interface {
	Device

	// CreateBuffer allocates a buffer owned by the secondary device and
	// uploads initial, which may be shorter than desc.ByteWidth.
	CreateBuffer(desc ResourceDesc, initial []byte) (*Owned[Resource], error)
	// CommandList returns the list currently recording. A new list is begun
	// lazily after each Flush.
	CommandList() CommandList
	// Flush closes the recording list and queues it for the next Signal.
	Flush() error
	// ReadBuffer copies the contents of a secondary-device buffer into dst.
	// It blocks until the copy completes.
	ReadBuffer(res Resource, dst []byte) error
}

// ReleaseNotifier reports the final release of primary-device resources.
type ReleaseNotifier interface {
	SubscribeRelease(fn func(ResourceID))
}
