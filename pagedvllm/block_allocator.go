package pagedvllm

import (
	"fmt"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Device identifies a memory tier.
type Device int

const (
	DeviceFast Device = iota // accelerator-resident
	DeviceSlow               // host-resident
)

func (d Device) String() string {
	switch d {
	case DeviceFast:
		return "fast"
	case DeviceSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// BlockID indexes a block inside one tier's arena.
type BlockID int

// PhysicalBlock is a handle to one block of one tier. Ref counts live in the
// tier's BlockAllocator, not in the handle.
type PhysicalBlock struct {
	Device Device
	ID     BlockID
}

func (b PhysicalBlock) String() string {
	return fmt.Sprintf("%s:%d", b.Device, b.ID)
}

// BlockMove is one block copy the cache backend must perform.
type BlockMove struct {
	Src PhysicalBlock
	Dst PhysicalBlock
}

// BlockAllocator is a single-tier pool of numBlocks blocks with reference
// counting. Free blocks are handed out in FIFO order.
type BlockAllocator struct {
	device    Device
	refCounts []int
	freeList  *linkedlistqueue.Queue
}

// NewBlockAllocator creates an allocator with every block free.
func NewBlockAllocator(device Device, numBlocks int) *BlockAllocator {
	a := &BlockAllocator{
		device:    device,
		refCounts: make([]int, numBlocks),
		freeList:  linkedlistqueue.New(),
	}
	for i := 0; i < numBlocks; i++ {
		a.freeList.Enqueue(BlockID(i))
	}
	return a
}

// Device returns the tier the allocator manages.
func (a *BlockAllocator) Device() Device {
	return a.device
}

// Allocate pops the oldest free block and gives it a ref count of one.
// ok is false when the pool is exhausted.
func (a *BlockAllocator) Allocate() (PhysicalBlock, bool) {
	v, ok := a.freeList.Dequeue()
	if !ok {
		return PhysicalBlock{}, false
	}
	id := v.(BlockID)
	if a.refCounts[id] != 0 {
		panic(fmt.Sprintf("free list holds referenced block %s", PhysicalBlock{a.device, id}))
	}
	a.refCounts[id] = 1
	return PhysicalBlock{Device: a.device, ID: id}, true
}

// Free drops one reference. It returns true when the block went back to the
// free list and false when it is still referenced. Freeing a free block is
// a no-op that returns false.
func (a *BlockAllocator) Free(id BlockID) bool {
	if a.refCounts[id] == 0 {
		return false
	}
	a.refCounts[id]--
	if a.refCounts[id] > 0 {
		return false
	}
	a.freeList.Enqueue(id)
	return true
}

// Share adds a reference to a live block.
func (a *BlockAllocator) Share(id BlockID) {
	if a.refCounts[id] == 0 {
		panic(fmt.Sprintf("cannot share free block %s", PhysicalBlock{a.device, id}))
	}
	a.refCounts[id]++
}

// RefCount returns the number of holders of id.
func (a *BlockAllocator) RefCount(id BlockID) int {
	return a.refCounts[id]
}

// IsFree reports whether id is on the free list.
func (a *BlockAllocator) IsFree(id BlockID) bool {
	return a.refCounts[id] == 0
}

// NumBlocks returns the pool size.
func (a *BlockAllocator) NumBlocks() int {
	return len(a.refCounts)
}

// NumFreeBlocks returns the number of unreferenced blocks.
func (a *BlockAllocator) NumFreeBlocks() int {
	return a.freeList.Size()
}

// NumAllocatedBlocks returns the number of referenced blocks.
func (a *BlockAllocator) NumAllocatedBlocks() int {
	return len(a.refCounts) - a.freeList.Size()
}

// CheckConservation verifies that the free list holds exactly the blocks
// with a zero ref count, each once.
func (a *BlockAllocator) CheckConservation() error {
	seen := make([]bool, len(a.refCounts))
	it := a.freeList.Iterator()
	for it.Next() {
		id := it.Value().(BlockID)
		if seen[id] {
			return fmt.Errorf("%s block %d is on the free list twice", a.device, id)
		}
		seen[id] = true
		if a.refCounts[id] != 0 {
			return fmt.Errorf("%s block %d is free with ref count %d", a.device, id, a.refCounts[id])
		}
	}

	allocated := 0
	for id, rc := range a.refCounts {
		if rc < 0 {
			return fmt.Errorf("%s block %d has negative ref count %d", a.device, id, rc)
		}
		if rc == 0 && !seen[id] {
			return fmt.Errorf("%s block %d is unreferenced but not on the free list", a.device, id)
		}
		if rc > 0 {
			allocated++
		}
	}

	if a.freeList.Size()+allocated != len(a.refCounts) {
		return fmt.Errorf("%s tier: %d free + %d allocated != %d blocks",
			a.device, a.freeList.Size(), allocated, len(a.refCounts))
	}
	return nil
}
