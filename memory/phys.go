package memory

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"mizu/errno"
	"mizu/logging"
)

var log = logging.For("memory")

type frameKind int

const (
	kindShared frameKind = iota
	kindUnique
)

// frameState is the value half of a frameInfo entry: either a page shared
// by every reader of this page, or a one-shot branch hand-off destined for
// exactly one child (spec.md §3's Shared/Unique FrameInfo split).
type frameState struct {
	kind  frameKind
	frame *Frame
	len   int
}

// frameInfo is the map value stored per page index.
type frameInfo struct {
	state frameState
	dirty bool
	pin   int
}

func newFrameInfo(f *Frame, length int, dirty bool, pin bool) *frameInfo {
	p := 0
	if pin {
		p = 1
	}
	return &frameInfo{state: frameState{kind: kindShared, frame: f, len: length}, dirty: dirty, pin: p}
}

// commitResult is the outcome of resolving one page: either a frame ready to
// hand to the caller (Shared), or a one-shot hand-off (Unique) that the
// immediate non-branch child must absorb into its own map.
type commitResult struct {
	unique bool
	frame  *Frame
	length int
	fi     *frameInfo // set when unique
}

// leaf updates (or reads) a non-branch entry's frame and valid length.
func (fi *frameInfo) leaf(write *int, pin bool) (*Frame, int) {
	fi.dirty = fi.dirty || write != nil
	if pin {
		fi.pin++
	}
	if write != nil {
		if *write > fi.state.len {
			fi.state.len = *write
		}
	}
	return fi.state.frame, fi.state.len
}

// branch resolves a hit on a branch Phys's entry. remove reports whether
// the caller must delete the map entry afterward (true for Unique, whose
// single-use state is always consumed).
func (fi *frameInfo) branch(write *int, pin bool, cow bool) (commitResult, bool) {
	switch fi.state.kind {
	case kindShared:
		frame, length := fi.state.frame, fi.state.len
		switch {
		case write == nil:
			if pin {
				fi.pin++
			}
			return commitResult{frame: frame, length: length}, false
		case !cow:
			newLen := length
			if *write > newLen {
				newLen = *write
			}
			fi.state.len = newLen
			if pin {
				fi.pin++
			}
			return commitResult{frame: frame, length: newLen}, false
		default:
			newLen := length
			if *write > newLen {
				newLen = *write
			}
			newFrame := frame.Copy(length)
			p := 0
			if pin {
				p = 1
			}
			fi.state = frameState{kind: kindUnique, frame: frame, len: newLen}
			return commitResult{
				unique: true,
				fi: &frameInfo{
					state: frameState{kind: kindShared, frame: newFrame, len: newLen},
					dirty: fi.dirty,
					pin:   p,
				},
			}, false
		}
	default: // kindUnique: single-use, always taken
		p := fi.pin
		if pin {
			p++
		}
		return commitResult{
			unique: true,
			fi: &frameInfo{
				state: frameState{kind: kindShared, frame: fi.state.frame, len: fi.state.len},
				dirty: fi.dirty,
				pin:   p,
			},
		}, true
	}
}

// parentKind distinguishes the two possible Phys parents: another Phys
// (optionally windowed) or an I/O backend.
type parentKind int

const (
	parentNone parentKind = iota
	parentPhys
	parentBackend
)

type parent struct {
	kind    parentKind
	phys    *Phys
	start   int
	end     int // -1 means unbounded ("None" in spec.md)
	backend Backend
}

// Phys is the page-indexed, lazily materialized, optionally parent-backed
// physical memory object of spec.md §4.2, ported from kmem::Phys
// (kmem/src/phys.rs).
type Phys struct {
	mu     sync.Mutex
	branch bool
	par    parent
	frames map[int]*frameInfo
	cow    bool

	position int64
	size     int64

	group singleflight.Group
}

// NewAnon creates an anonymous Phys with no parent.
func NewAnon(cow bool) *Phys {
	return &Phys{frames: map[int]*frameInfo{}, cow: cow}
}

// NewBacked creates a Phys backed by an I/O backend, e.g. a file or block
// device, matching kmem::Phys::new.
func NewBacked(backend Backend, initialPos int64, cow bool) *Phys {
	return &Phys{
		frames:   map[int]*frameInfo{},
		cow:      cow,
		position: initialPos,
		par:      parent{kind: parentBackend, backend: backend},
	}
}

// IsCOW reports whether writes to parent-owned pages must copy first.
func (p *Phys) IsCOW() bool {
	return p.cow
}

// Sub describes an optional sub-window passed to CloneAs.
type Sub struct {
	Offset int
	Count  int // 0 means "to the end"
}

// CloneAs restructures p into a branch and returns a fresh leaf child that
// inherits from it, implementing spec.md §4.2's fork algorithm: p's own
// frame map moves into a new branch node B, p's parent becomes B, and the
// returned child's parent is B windowed by sub (if given).
func (p *Phys) CloneAs(cow bool, sub *Sub) *Phys {
	p.mu.Lock()
	defer p.mu.Unlock()

	branch := &Phys{
		branch: true,
		par:    p.par,
		frames: p.frames,
	}
	p.frames = map[int]*frameInfo{}
	p.par = parent{kind: parentPhys, phys: branch, start: 0, end: -1}

	start, end := 0, -1
	if sub != nil {
		start = sub.Offset
		if sub.Count > 0 {
			end = sub.Offset + sub.Count
		}
	}
	return &Phys{
		frames: map[int]*frameInfo{},
		cow:    cow,
		par:    parent{kind: parentPhys, phys: branch, start: start, end: end},
	}
}

// level is one hop recorded while walking down through Phys parents, used
// to unwind a Unique hand-off back into the nearest non-branch ancestor's
// own map (spec.md §4.2 commit algorithm, step 2 "entry hit on a branch").
type level struct {
	phys  *Phys
	index int
}

// Commit resolves the page at index, materializing a frame as needed.
// writeLen, if non-nil, marks the page dirty and extends its valid length
// to at least *writeLen. pin marks the returned frame as pinned (used by
// DMA callers that must keep the physical page resident).
func (p *Phys) Commit(index int, writeLen *int, pin bool) (*Frame, int, errno.Errno) {
	if p.branch {
		panic("memory: Commit called on a branch Phys")
	}
	log.Trace().Int("index", index).Bool("write", writeLen != nil).Bool("cow", p.cow).Msg("Phys.Commit")

	var stack []level
	cur := p
	curIndex := index
	cow := p.cow

	for {
		cur.mu.Lock()
		if fi, ok := cur.frames[curIndex]; ok {
			var result commitResult
			if cur.branch {
				var remove bool
				result, remove = fi.branch(writeLen, pin, cow)
				if remove {
					delete(cur.frames, curIndex)
				}
			} else {
				frame, length := fi.leaf(writeLen, pin)
				result = commitResult{frame: frame, length: length}
			}
			cur.mu.Unlock()
			return unwind(stack, result)
		}

		par := cur.par
		branchFlag := cur.branch
		levelPhys := cur
		levelIndex := curIndex
		cur.mu.Unlock()

		if par.kind == parentPhys {
			if windowContains(par, levelIndex) {
				stack = append(stack, level{phys: levelPhys, index: levelIndex})
				cow = cow || par.phys.cow
				curIndex = par.start + levelIndex
				cur = par.phys
				continue
			}
		}

		// Fallback: no usable parent coverage at this level (no parent,
		// parent window doesn't cover this index, or a backend parent).
		result, err := resolveFallback(levelPhys, levelIndex, par, writeLen, pin, branchFlag)
		if err != errno.Zero {
			return nil, 0, err
		}
		return unwind(stack, result)
	}
}

// windowContains reports whether a local (not yet parent-offset) index
// falls inside the parent window's size, mirroring phys.rs's
// `end.map_or(true, |end| (0..(end - start)).contains(&index))`: an
// unbounded window (end == -1) always matches, otherwise the local index
// must be smaller than the window's length.
func windowContains(par parent, index int) bool {
	if par.end == -1 {
		return true
	}
	return index < par.end-par.start
}

// resolveFallback handles an entry miss with no further Phys parent to
// descend into: a backend read, or (no parent / out-of-window) the
// zero-page / fresh-allocation cases of spec.md §4.2 step 3.
func resolveFallback(p *Phys, index int, par parent, writeLen *int, pin bool, branch bool) (commitResult, errno.Errno) {
	if par.kind == parentBackend {
		v, err, _ := p.group.Do(backendKey(index), func() (any, error) {
			frame := NewFrame()
			off := int64(index) * PageSize
			buf := frame.Bytes()
			readLen := 0
			for readLen < PageSize {
				n, e := par.backend.ReadAt(off+int64(readLen), buf[readLen:])
				if e != errno.Zero {
					return nil, e
				}
				if n == 0 {
					break
				}
				readLen += n
			}
			p.mu.Lock()
			fi := newFrameInfo(frame, readLen, writeLen != nil, pin)
			p.frames[index] = fi
			p.mu.Unlock()
			return commitResult{frame: frame, length: readLen}, nil
		})
		if err != nil {
			return commitResult{}, err.(errno.Errno)
		}
		return v.(commitResult), errno.Zero
	}

	if writeLen == nil {
		return commitResult{frame: ZeroFrame(), length: 0}, errno.Zero
	}

	frame := NewFrame()
	fi := newFrameInfo(frame, *writeLen, true, pin)
	p.mu.Lock()
	if branch {
		p.mu.Unlock()
		return commitResult{unique: true, fi: fi}, errno.Zero
	}
	p.frames[index] = fi
	p.mu.Unlock()
	return commitResult{frame: frame, length: *writeLen}, errno.Zero
}

func backendKey(index int) string {
	buf := make([]byte, 0, 24)
	buf = append(buf, 'p')
	for _, b := range itoaBytes(index) {
		buf = append(buf, b)
	}
	return string(buf)
}

func itoaBytes(n int) []byte {
	if n == 0 {
		return []byte{'0'}
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return tmp[i:]
}

// unwind absorbs a Unique hand-off into the nearest non-branch ancestor's
// own map, or passes a Shared result straight through every level, per
// spec.md §4.2's "entry hit on a branch Phys" Unique rule.
func unwind(stack []level, result commitResult) (*Frame, int, errno.Errno) {
	for i := len(stack) - 1; i >= 0; i-- {
		lvl := stack[i]
		if !result.unique {
			continue
		}
		if lvl.phys.branch {
			continue // propagate the hand-off further up unchanged
		}
		lvl.phys.mu.Lock()
		lvl.phys.frames[lvl.index] = result.fi
		lvl.phys.mu.Unlock()
		result = commitResult{frame: result.fi.state.frame, length: result.fi.state.len}
	}
	if result.unique {
		// Only possible if the bottom-most level (the original, non-branch
		// self) is itself a branch, which Commit already rejects.
		panic("memory: commit produced an unabsorbed Unique result")
	}
	return result.frame, result.length, errno.Zero
}
