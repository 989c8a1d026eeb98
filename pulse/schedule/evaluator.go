package schedule

import (
	"sort"
	"time"
)

// SelectOptions steers a selection.
type SelectOptions struct {
	// ForcedIDs selects exactly these definitions, ignoring windows and
	// eligibility. Ids with no definition are reported in Selection.NotFound.
	ForcedIDs []int64

	// BypassWindow selects every eligible definition regardless of its window.
	BypassWindow bool

	Location      *time.Location
	WindowMinutes int
}

// InvalidRule is an eligible definition whose schedule_config does not parse.
// It is never due.
type InvalidRule struct {
	DefinitionID int64
	Err          error
}

// Selection is the outcome of window evaluation.
type Selection struct {
	Due      []*Definition // ascending id
	NotFound []int64       // forced ids without a definition, ascending
	Invalid  []InvalidRule
	Window   Window
}

// Forced reports whether the selection came from explicit ids.
func (o SelectOptions) Forced() bool {
	return len(o.ForcedIDs) > 0
}

// SelectDue decides which definitions a pass dispatches. It has no side effects.
func SelectDue(defs []*Definition, now time.Time, opts SelectOptions) Selection {
	sel := Selection{Window: WindowAt(now, opts.Location, opts.WindowMinutes)}

	if opts.Forced() {
		byID := make(map[int64]*Definition, len(defs))
		for _, d := range defs {
			byID[d.ID] = d
		}
		seen := make(map[int64]bool, len(opts.ForcedIDs))
		for _, id := range opts.ForcedIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if d, ok := byID[id]; ok {
				sel.Due = append(sel.Due, d)
			} else {
				sel.NotFound = append(sel.NotFound, id)
			}
		}
		sortByID(sel.Due)
		sort.Slice(sel.NotFound, func(i, j int) bool { return sel.NotFound[i] < sel.NotFound[j] })
		return sel
	}

	for _, d := range defs {
		if !d.Eligible(now) {
			continue
		}
		if opts.BypassWindow {
			sel.Due = append(sel.Due, d)
			continue
		}
		rule, err := ParseRule(d.Frequency, d.ScheduleConfig)
		if err != nil {
			sel.Invalid = append(sel.Invalid, InvalidRule{DefinitionID: d.ID, Err: err})
			continue
		}
		if rule.Due(d.LastTriggeredAt, sel.Window) {
			sel.Due = append(sel.Due, d)
		}
	}
	sortByID(sel.Due)
	return sel
}

func sortByID(defs []*Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
}
