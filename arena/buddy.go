package arena

import (
	"encoding/binary"
	"fmt"
)

// Buddy allocator over the arena region. Power-of-two size classes from 64
// bytes to 256KiB with automatic coalescing.
//
// All allocator state is buffer-resident so every attached runtime sees the
// same heap: free-list heads live in the control block, next pointers in the
// free blocks themselves, and each live block carries an 8-byte header with
// its class level. Callers serialize mutations through the arena lock word.
const (
	MinBlockSize = 64
	MaxBlockSize = 256 * 1024
	numLevels    = 13 // 64B .. 256KiB

	// Live block header: [magic:u32][level:u32]. Freeing overwrites it.
	blockHeaderSize = 8
	blockMagic      = 0xA110C8ED

	// Free-list heads are zero-terminated; the managed area never starts at
	// buffer offset zero, so zero is a safe sentinel.
	seededMagic = 0x5AB1DDA1
)

type buddy struct {
	buf         []byte
	baseOffset  uint32 // managed area start
	totalSize   uint32
	magicOffset uint32 // seeded flag in the control block
	headsOffset uint32 // numLevels u32 heads in the control block
}

func newBuddy(buf []byte, baseOffset, totalSize, magicOffset, headsOffset uint32) *buddy {
	return &buddy{
		buf:         buf,
		baseOffset:  baseOffset,
		totalSize:   totalSize,
		magicOffset: magicOffset,
		headsOffset: headsOffset,
	}
}

// seeded reports whether some participant already tiled the arena.
func (ba *buddy) seeded() bool {
	return binary.LittleEndian.Uint32(ba.buf[ba.magicOffset:]) == seededMagic
}

// seed tiles the managed area with the largest blocks that fit. Greedy
// largest-first keeps every block size-aligned relative to the base, which
// the buddy xor math depends on.
func (ba *buddy) seed() {
	for level := 0; level < numLevels; level++ {
		ba.setHead(level, 0)
	}
	remaining := ba.totalSize
	cursor := ba.baseOffset
	for remaining >= MinBlockSize {
		for level := numLevels - 1; level >= 0; level-- {
			size := levelToSize(level)
			if size <= remaining {
				ba.pushFree(cursor, level)
				cursor += size
				remaining -= size
				break
			}
		}
	}
	binary.LittleEndian.PutUint32(ba.buf[ba.magicOffset:], seededMagic)
}

// allocate reserves a class block for size user bytes (plus header) and
// returns the user offset past the header.
func (ba *buddy) allocate(size uint32) (uint32, error) {
	need := size + blockHeaderSize
	if need > MaxBlockSize {
		return 0, fmt.Errorf("arena: size %d exceeds max block payload %d", size, MaxBlockSize-blockHeaderSize)
	}
	if need < MinBlockSize {
		need = MinBlockSize
	}

	level := sizeToLevel(need)
	offset := ba.takeFree(level)
	if offset == 0 {
		return 0, ErrOutOfMemory
	}

	binary.LittleEndian.PutUint32(ba.buf[offset:], blockMagic)
	binary.LittleEndian.PutUint32(ba.buf[offset+4:], uint32(level))
	return offset + blockHeaderSize, nil
}

// free returns a user offset's block to the free lists and coalesces.
func (ba *buddy) free(userOffset uint32) (uint32, error) {
	offset, level, err := ba.liveBlock(userOffset)
	if err != nil {
		return 0, err
	}
	size := levelToSize(level)
	ba.coalesce(offset, level)
	return size, nil
}

// usableSize returns the payload capacity of a live block.
func (ba *buddy) usableSize(userOffset uint32) (uint32, error) {
	_, level, err := ba.liveBlock(userOffset)
	if err != nil {
		return 0, err
	}
	return levelToSize(level) - blockHeaderSize, nil
}

// liveBlock validates a user offset and returns the block offset and level.
func (ba *buddy) liveBlock(userOffset uint32) (uint32, int, error) {
	if userOffset < ba.baseOffset+blockHeaderSize || userOffset >= ba.baseOffset+ba.totalSize {
		return 0, 0, fmt.Errorf("arena: offset 0x%X outside arena", userOffset)
	}
	offset := userOffset - blockHeaderSize
	if (offset-ba.baseOffset)%MinBlockSize != 0 {
		return 0, 0, fmt.Errorf("arena: misaligned block offset 0x%X", userOffset)
	}
	if binary.LittleEndian.Uint32(ba.buf[offset:]) != blockMagic {
		return 0, 0, fmt.Errorf("arena: no live block at 0x%X (double free or corruption)", userOffset)
	}
	level := binary.LittleEndian.Uint32(ba.buf[offset+4:])
	if level >= numLevels {
		return 0, 0, fmt.Errorf("arena: corrupt block level %d at 0x%X", level, userOffset)
	}
	return offset, int(level), nil
}

func sizeToLevel(size uint32) int {
	level := 0
	block := uint32(MinBlockSize)
	for block < size && level < numLevels-1 {
		block *= 2
		level++
	}
	return level
}

func levelToSize(level int) uint32 {
	return MinBlockSize << uint(level)
}

// takeFree pops a block at level, splitting a larger block if needed.
func (ba *buddy) takeFree(level int) uint32 {
	if head := ba.head(level); head != 0 {
		ba.setHead(level, ba.nextFree(head))
		return head
	}
	for l := level + 1; l < numLevels; l++ {
		if ba.head(l) != 0 {
			return ba.split(l, level)
		}
	}
	return 0
}

func (ba *buddy) split(fromLevel, toLevel int) uint32 {
	offset := ba.head(fromLevel)
	ba.setHead(fromLevel, ba.nextFree(offset))

	for level := fromLevel - 1; level >= toLevel; level-- {
		buddyOffset := offset + levelToSize(level)
		ba.pushFree(buddyOffset, level)
	}
	return offset
}

// coalesce merges a block upward while its buddy sits whole in the same
// level's free list, then publishes the result.
func (ba *buddy) coalesce(offset uint32, level int) {
	for level < numLevels-1 {
		size := levelToSize(level)
		rel := offset - ba.baseOffset
		buddyOffset := ba.baseOffset + (rel ^ size)

		if !ba.inFreeList(buddyOffset, level) {
			break
		}
		ba.unlinkFree(buddyOffset, level)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		level++
	}
	ba.pushFree(offset, level)
}

func (ba *buddy) inFreeList(offset uint32, level int) bool {
	for cur := ba.head(level); cur != 0; cur = ba.nextFree(cur) {
		if cur == offset {
			return true
		}
	}
	return false
}

func (ba *buddy) pushFree(offset uint32, level int) {
	binary.LittleEndian.PutUint32(ba.buf[offset:offset+4], ba.head(level))
	ba.setHead(level, offset)
}

func (ba *buddy) unlinkFree(offset uint32, level int) {
	if ba.head(level) == offset {
		ba.setHead(level, ba.nextFree(offset))
		return
	}
	for cur := ba.head(level); cur != 0; cur = ba.nextFree(cur) {
		if ba.nextFree(cur) == offset {
			binary.LittleEndian.PutUint32(ba.buf[cur:cur+4], ba.nextFree(offset))
			return
		}
	}
}

func (ba *buddy) nextFree(offset uint32) uint32 {
	if offset < ba.baseOffset || offset >= ba.baseOffset+ba.totalSize {
		return 0
	}
	return binary.LittleEndian.Uint32(ba.buf[offset : offset+4])
}

func (ba *buddy) head(level int) uint32 {
	return binary.LittleEndian.Uint32(ba.buf[ba.headsOffset+uint32(level)*4:])
}

func (ba *buddy) setHead(level int, offset uint32) {
	binary.LittleEndian.PutUint32(ba.buf[ba.headsOffset+uint32(level)*4:], offset)
}

// LevelStats describes one size class.
type LevelStats struct {
	Level      int
	BlockSize  uint32
	FreeBlocks int
}

// snapshot walks the free lists; callers hold the lock.
func (ba *buddy) snapshot() (freeBytes uint32, levels [numLevels]LevelStats) {
	for level := 0; level < numLevels; level++ {
		count := 0
		for offset := ba.head(level); offset != 0; offset = ba.nextFree(offset) {
			count++
		}
		levels[level] = LevelStats{Level: level, BlockSize: levelToSize(level), FreeBlocks: count}
		freeBytes += uint32(count) * levelToSize(level)
	}
	return freeBytes, levels
}
