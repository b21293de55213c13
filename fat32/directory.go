package fat32

import (
	"unicode/utf16"

	"mizu/errno"
)

// DirEntry is one fully-assembled directory entry as handed back to
// callers: a long name (falling back to the decoded short name when no
// LFN run preceded the SFN) plus the short-name entry's metadata.
type DirEntry struct {
	LongName string
	Short    FileEntry
	// Offset is the byte offset, within the directory's own cluster
	// chain, of the short-name entry that terminates this dirent's run —
	// the handle NextDirent resumes from and Remove/Rename use to
	// locate the entries to mutate.
	Offset int64
	// LfnCount is how many LFN entries preceded Short, so callers can
	// free the whole run (LfnCount+1 entries ending at Offset).
	LfnCount int
}

func (d *DirEntry) IsDir() bool    { return d.Short.IsDir() }
func (d *DirEntry) IsVolume() bool { return d.Short.IsVolume() }

// Name returns the long name if one was present, else the decoded short
// name (honoring the lowercase-basename/lowercase-ext bits), afat32's
// DirEntry::file_name fallback.
func (d *DirEntry) Name() string {
	if d.LongName != "" {
		return d.LongName
	}
	return d.Short.LowercaseName().String()
}

// Directory reads and writes the 32-byte entry stream backing one FAT32
// directory, implemented over a ClusterChain exactly as afat32::dir::Dir
// wraps a File: a directory's content is just a flat array of entries,
// no different in shape from regular file data.
type Directory struct {
	chain *ClusterChain
}

func NewDirectory(chain *ClusterChain) *Directory {
	return &Directory{chain: chain}
}

// pendingLfn accumulates an in-progress reverse-order LFN run while
// scanning toward its terminating SFN entry, spec.md §4.5's "LFN entries
// arrive in reverse order with an accumulator keyed by order&0x1F".
type pendingLfn struct {
	chunks   map[uint8][lfnPartLen]uint16
	expected uint8 // the next (descending) order value expected
	total    uint8
	checksum uint8
	valid    bool
}

func (p *pendingLfn) reset() { *p = pendingLfn{} }

func (p *pendingLfn) assembleName() string {
	var units []uint16
	for order := uint8(1); order <= p.total; order++ {
		chunk, ok := p.chunks[order]
		if !ok {
			return ""
		}
		units = append(units, chunk[:]...)
	}
	// Truncate at the first 0x0000 terminator; FF-FF padding beyond it
	// (or a dropped terminator on a name that's an exact chunk multiple)
	// is discarded either way.
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// NextDirent scans forward from fromOffset (pass 0 to start at the
// beginning of the directory) for the next live entry, reassembling any
// preceding LFN run. It returns (nil, errno.Zero) at the directory's
// logical end (a 0x00 first byte), and propagates errno.EIO if the
// underlying chain read fails before that terminator is reached, per
// spec.md §4.5.
func (d *Directory) NextDirent(fromOffset int64) (*DirEntry, errno.Errno) {
	var pending pendingLfn
	off := fromOffset
	for {
		var raw [EntrySize]byte
		n, err := d.chain.ReadAt(off, raw[:])
		if err != errno.Zero {
			return nil, err
		}
		if n < EntrySize {
			return nil, errno.Zero
		}
		entry := ParseRawEntry(raw)
		thisOff := off
		off += EntrySize

		if entry.IsEnd() {
			return nil, errno.Zero
		}
		if entry.IsDeleted() {
			pending.reset()
			continue
		}

		if entry.Lfn != nil {
			order := entry.Lfn.Order &^ lfnEntryLastFlag
			if entry.Lfn.Order&lfnEntryLastFlag != 0 {
				pending = pendingLfn{
					chunks:   map[uint8][lfnPartLen]uint16{},
					expected: order,
					total:    order,
					checksum: entry.Lfn.Checksum,
					valid:    true,
				}
			}
			if !pending.valid || order != pending.expected || entry.Lfn.Checksum != pending.checksum {
				pending.reset()
				continue
			}
			var part [lfnPartLen]uint16
			entry.Lfn.CopyNameTo(&part)
			pending.chunks[order] = part
			pending.expected--
			continue
		}

		// SFN entry: terminates whatever LFN run (possibly none, possibly
		// invalid) preceded it.
		f := *entry.File
		result := &DirEntry{Short: f, Offset: thisOff}
		if pending.valid && pending.expected == 0 && shortNameChecksum(f.Name) == pending.checksum {
			result.LongName = pending.assembleName()
			result.LfnCount = int(pending.total)
		}
		return result, errno.Zero
	}
}

// freeRun marks LfnCount+1 consecutive entries ending at offset as
// deleted, spec.md §4.5's rename/remove cleanup step.
func (d *Directory) freeRun(offset int64, lfnCount int) errno.Errno {
	start := offset - int64(lfnCount)*EntrySize
	for o := start; o <= offset; o += EntrySize {
		var raw [EntrySize]byte
		if _, err := d.chain.ReadAt(o, raw[:]); err != errno.Zero {
			return err
		}
		entry := ParseRawEntry(raw)
		entry.SetDeletedInPlace()
		b := entry.Encode()
		if _, err := d.chain.WriteAt(o, b[:]); err != errno.Zero {
			return err
		}
	}
	return errno.Zero
}

// SetDeletedInPlace marks whichever variant r holds as deleted, mutating
// the underlying File/Lfn pointee.
func (r RawEntry) SetDeletedInPlace() {
	if r.File != nil {
		r.File.SetDeleted()
		return
	}
	r.Lfn.SetDeleted()
}

// findFreeRun scans for lfnCount+1 consecutive free (deleted or
// end-of-directory) slots, or appends past the current end if none are
// found, returning the offset of the first slot.
func (d *Directory) findFreeRun(need int) (int64, errno.Errno) {
	off := int64(0)
	run := 0
	runStart := int64(0)
	for {
		var raw [EntrySize]byte
		n, err := d.chain.ReadAt(off, raw[:])
		if err != errno.Zero {
			return 0, err
		}
		if n < EntrySize {
			if run == 0 {
				runStart = off
			}
			return runStart, errno.Zero
		}
		entry := ParseRawEntry(raw)
		if entry.IsEnd() {
			if run == 0 {
				runStart = off
			}
			return runStart, errno.Zero
		}
		if entry.IsDeleted() {
			if run == 0 {
				runStart = off
			}
			run++
			if run >= need {
				return runStart, errno.Zero
			}
		} else {
			run = 0
		}
		off += EntrySize
	}
}

// dirContains adapts Directory to the existingNames interface
// GenerateShortName's collision search expects.
type dirContains struct {
	dir *Directory
}

func (c dirContains) Contains(raw [sfnSize]byte) bool {
	off := int64(0)
	for {
		var buf [EntrySize]byte
		n, err := c.dir.chain.ReadAt(off, buf[:])
		if err != errno.Zero || n < EntrySize {
			return false
		}
		entry := ParseRawEntry(buf)
		if entry.IsEnd() {
			return false
		}
		if entry.File != nil && !entry.File.IsDeleted() && entry.File.Name == raw {
			return true
		}
		off += EntrySize
	}
}

// CreateEntry adds a new directory entry for longName, generating a
// collision-free short name and writing the LFN run plus terminating SFN
// entry into the first available run of free slots (extending past the
// current end if none is large enough), per spec.md §4.5.
func (d *Directory) CreateEntry(longName string, attrs FileAttributes, firstCluster uint32, size uint32) (*DirEntry, errno.Errno) {
	if err := ValidateLongName(longName); err != errno.Zero {
		return nil, err
	}
	short, err := GenerateShortName(longName, dirContains{d})
	if err != errno.Zero {
		return nil, err
	}
	lfns := BuildLfnEntries(longName, short)

	file := FileEntry{Name: short, Attrs: attrs}
	file.SetFirstCluster(firstCluster)
	file.Size = size

	need := len(lfns) + 1
	start, err := d.findFreeRun(need)
	if err != errno.Zero {
		return nil, err
	}

	off := start
	for _, l := range lfns {
		b := l.Encode()
		if _, err := d.chain.WriteAt(off, b[:]); err != errno.Zero {
			return nil, err
		}
		off += EntrySize
	}
	b := file.Encode()
	if _, err := d.chain.WriteAt(off, b[:]); err != errno.Zero {
		return nil, err
	}

	return &DirEntry{LongName: longName, Short: file, Offset: off, LfnCount: len(lfns)}, errno.Zero
}

// Remove deletes the entries backing ent. The caller is responsible for
// having verified (e.g. via spec.md's directory-emptiness check) that a
// directory-typed entry is empty before calling this; Remove itself does
// not distinguish file from directory entries.
func (d *Directory) Remove(ent *DirEntry) errno.Errno {
	return d.freeRun(ent.Offset, ent.LfnCount)
}

// Rename moves src to newName within the same directory: it verifies
// newName doesn't collide with a different existing entry, frees src's
// old entries, and writes a fresh entry under newName reusing src's
// cluster/size/attrs, per spec.md §4.5's rename semantics.
func (d *Directory) Rename(src *DirEntry, newName string) (*DirEntry, errno.Errno) {
	if err := ValidateLongName(newName); err != errno.Zero {
		return nil, err
	}
	if newName == src.Name() {
		return src, errno.Zero
	}
	if existing, err := d.Lookup(newName); err != errno.Zero {
		return nil, err
	} else if existing != nil {
		return nil, errno.EEXIST
	}
	if err := d.freeRun(src.Offset, src.LfnCount); err != errno.Zero {
		return nil, err
	}
	return d.CreateEntry(newName, src.Short.Attrs, src.Short.FirstCluster(), src.Short.Size)
}

// Lookup scans the directory for an entry matching name (long-name exact
// match, falling back to a case-insensitive short-name match), returning
// nil if absent.
func (d *Directory) Lookup(name string) (*DirEntry, errno.Errno) {
	off := int64(0)
	for {
		ent, err := d.NextDirent(off)
		if err != errno.Zero {
			return nil, err
		}
		if ent == nil {
			return nil, errno.Zero
		}
		if ent.LongName == name || (ent.LongName == "" && ent.Short.LowercaseName().EqualIgnoreCase(name)) {
			return ent, errno.Zero
		}
		off = ent.Offset + EntrySize
	}
}

// IsEmpty reports whether the directory has no live entries besides the
// conventional "." and ".." entries, spec.md §4.5's precondition for
// removing a directory (else ENOTEMPTY).
func (d *Directory) IsEmpty() (bool, errno.Errno) {
	off := int64(0)
	for {
		ent, err := d.NextDirent(off)
		if err != errno.Zero {
			return false, err
		}
		if ent == nil {
			return true, errno.Zero
		}
		name := ent.Short.LowercaseName().String()
		if name != "." && name != ".." {
			return false, errno.Zero
		}
		off = ent.Offset + EntrySize
	}
}
