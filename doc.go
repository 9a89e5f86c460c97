// Package nvkit defines the abstract non-volatile memory device that the
// resilience drivers in this module are built on.
//
// A Device is a raw block-erase medium: writes may only clear bits
// relative to the erased (all-ones) state, and an erase resets whole
// sectors back to all-ones. Two drivers turn that primitive into
// something an application can actually use:
//
//   - mirror keeps two full copies of a region and guarantees that a
//     power loss during a write or erase never leaves the region torn.
//   - fee presents a freely rewritable logical address space with
//     copy-on-write slots, duplicate suppression and garbage collection.
//
// Both drivers implement Device themselves, so they can be layered over
// any backend (memdev, filedev, cachedev, or real hardware).
package nvkit
