package workspace

import "errors"

var (
	// ErrNoSlotsAvailable is returned by AllocateSlot when every slot in a
	// pool is ALLOCATED or in ERROR.
	ErrNoSlotsAvailable = errors.New("workspace: no slots available")

	// ErrNotFound is returned when a pool or slot cannot be located.
	ErrNotFound = errors.New("workspace: not found")

	// ErrSlotAllocated is returned by RemoveSlot when force is false and the
	// slot is currently ALLOCATED.
	ErrSlotAllocated = errors.New("workspace: slot is allocated")

	// ErrNotOwner is returned by ReleaseSlot when the caller does not hold
	// the slot it is trying to release.
	ErrNotOwner = errors.New("workspace: caller does not own this slot")

	// ErrCleanupFailed is returned (and the slot marked ERROR) when
	// pre/post-allocation cleanup fails or times out.
	ErrCleanupFailed = errors.New("workspace: cleanup failed")

	// ErrPoolExists is returned by CreatePool when the pool already exists.
	ErrPoolExists = errors.New("workspace: pool already exists")
)
