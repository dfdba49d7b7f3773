package rawchain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// segmentFilePrefix names segment files as segment_<start-offset>, the only
// metadata a segment needs: its own content describes everything else.
const segmentFilePrefix = "segment_"

func segmentFileName(startOffset uint64) string {
	return fmt.Sprintf("%s%020d", segmentFilePrefix, startOffset)
}

func segmentPath(dir string, startOffset uint64) string {
	return filepath.Join(dir, segmentFileName(startOffset))
}

// segment is one memory-mapped region of the chain. size is the logical
// number of bytes written (always <= len(data), the mmap'd capacity).
type segment struct {
	startOffset uint64
	path        string

	file *os.File
	data mmap.MMap // nil when not currently mapped
	size uint64

	// blockOffsets is a cache of every block's start offset within this
	// segment, in ascending order, built on open (integrity scan) or as
	// blocks are appended. It lets GetBlockFromNextOffset and iteration
	// avoid re-scanning frame lengths from the start of the segment.
	blockOffsets []uint64
}

func openSegment(dir string, startOffset uint64, overAllocate uint64) (*segment, error) {
	path := segmentPath(dir, startOffset)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &segment{startOffset: startOffset, path: path, file: f}
	if info.Size() == 0 {
		if err := f.Truncate(int64(overAllocate)); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := s.mapFile(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *segment) mapFile() error {
	data, err := mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// unmap releases the mmap but keeps the underlying file open; it is re-mapped
// lazily on next access. Used by the LRU eviction policy.
func (s *segment) unmap() error {
	if s.data == nil {
		return nil
	}
	err := s.data.Unmap()
	s.data = nil
	return err
}

func (s *segment) ensureMapped() error {
	if s.data != nil {
		return nil
	}
	return s.mapFile()
}

func (s *segment) close() error {
	if err := s.unmap(); err != nil {
		return err
	}
	return s.file.Close()
}

// capacity returns the mmap'd length of the segment file.
func (s *segment) capacity() uint64 {
	return uint64(len(s.data))
}

// grow extends the segment's backing file (and remaps it) so it can hold at
// least size additional bytes beyond the current write position.
func (s *segment) grow(additional uint64, overAllocate uint64) error {
	needed := s.size + additional
	if needed <= s.capacity() {
		return nil
	}
	newSize := needed + overAllocate
	if err := s.unmap(); err != nil {
		return err
	}
	if err := s.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	return s.mapFile()
}

// append writes data at the segment's current write position and records
// its start offset in blockOffsets. Caller must have called grow first.
func (s *segment) append(data []byte) (relativeOffset uint64, err error) {
	relativeOffset = s.size
	if s.capacity() < s.size+uint64(len(data)) {
		return 0, ErrUnexpectedState
	}
	copy(s.data[s.size:s.size+uint64(len(data))], data)
	s.blockOffsets = append(s.blockOffsets, relativeOffset)
	s.size += uint64(len(data))
	return relativeOffset, nil
}

// truncate discards everything from relativeOffset onward and shrinks
// blockOffsets to match.
func (s *segment) truncateFrom(relativeOffset uint64) {
	s.size = relativeOffset
	idx := sort.Search(len(s.blockOffsets), func(i int) bool { return s.blockOffsets[i] >= relativeOffset })
	s.blockOffsets = s.blockOffsets[:idx]
}

func listSegmentStartOffsets(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var offsets []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(segmentFilePrefix) || name[:len(segmentFilePrefix)] != segmentFilePrefix {
			continue
		}
		var offset uint64
		if _, err := fmt.Sscanf(name[len(segmentFilePrefix):], "%020d", &offset); err != nil {
			continue
		}
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}
