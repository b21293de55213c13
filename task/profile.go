package task

import (
	"io"

	"github.com/google/pprof/profile"

	"mizu/errno"
)

// Profile snapshots the live task registry as a pprof profile.Profile: one
// sample per registered task, labeled with its tid and parent tid, located
// at a synthetic Function named after its executable path. This is the
// debug-dump hook SPEC_FULL.md's domain stack section wires
// github.com/google/pprof to (the same library the teacher's go.mod already
// carried, unused there): a kernel has no goroutine-profile equivalent of
// its own task table, so exporting one in pprof's wire format lets existing
// pprof tooling (`go tool pprof`) visualize it instead of inventing a
// bespoke dump format.
func Profile() *profile.Profile {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "tasks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}

	funcs := map[string]*profile.Function{}
	var nextID uint64 = 1

	for tid, t := range reg.tasks {
		exe := t.Executable()
		fn, ok := funcs[exe]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: exe, SystemName: exe}
			nextID++
			funcs[exe] = fn
			p.Function = append(p.Function, fn)
		}

		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		p.Location = append(p.Location, loc)

		ppid := 0
		if par := t.Parent(); par != nil {
			ppid = par.Tid
		}

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label: map[string][]string{
				"tid":  {itoa(tid)},
				"ppid": {itoa(ppid)},
			},
		})
	}

	return p
}

// WriteProfile serializes Profile()'s snapshot in pprof's gzip-compressed
// proto wire format to w.
func WriteProfile(w io.Writer) errno.Errno {
	if err := Profile().Write(w); err != nil {
		return errno.EIO
	}
	return errno.Zero
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
