package outbox

import (
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

type coalescePlan struct {
	removals []int64
	rewrites []Entry
}

func (p coalescePlan) empty() bool {
	return len(p.removals) == 0 && len(p.rewrites) == 0
}

type workingEntry struct {
	entry   Entry
	payload map[string]any
	base    map[string]any
}

// planCoalesce computes which entries to drop and which to rewrite so that each entity
// carries at most one effective entry per kind. Create/delete resolution runs during the
// ordered pass; increments and toggles are folded afterwards.
func planCoalesce(entries []Entry) (coalescePlan, error) {
	groups := map[EntityKey][]Entry{}
	order := make([]EntityKey, 0)
	for _, entry := range entries {
		key := entry.Key()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	plan := coalescePlan{}
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		kept, removed, err := coalesceGroup(group)
		if err != nil {
			return coalescePlan{}, err
		}
		plan.removals = append(plan.removals, removed...)
		for _, working := range kept {
			encoded, err := encodePayload(working.payload)
			if err != nil {
				return coalescePlan{}, err
			}
			encodedBase, err := encodePayload(working.base)
			if err != nil {
				return coalescePlan{}, err
			}
			original := findOriginal(group, working.entry.ID)
			if encoded == original.PayloadJSON && working.entry.Operation == original.Operation &&
				sameBase(encodedBase, original.BaseJSON) {
				continue
			}
			rewritten := working.entry
			rewritten.PayloadJSON = encoded
			rewritten.BaseJSON = encodedBase
			plan.rewrites = append(plan.rewrites, rewritten)
		}
	}
	return plan, nil
}

func coalesceGroup(group []Entry) ([]*workingEntry, []int64, error) {
	kept := make([]*workingEntry, 0, len(group))
	removed := make([]int64, 0)
	remoteExisted := false

	dropAll := func() {
		for _, working := range kept {
			removed = append(removed, working.entry.ID)
		}
		kept = kept[:0]
	}

	for _, entry := range group {
		payload, err := entry.Payload()
		if err != nil {
			return nil, nil, err
		}
		base, err := entry.Base()
		if err != nil {
			return nil, nil, err
		}
		current := &workingEntry{entry: entry, payload: payload, base: base}
		create := findKept(kept, OperationCreate, "")
		deleted := findKept(kept, OperationDelete, "")

		switch entry.Operation {
		case OperationCreate:
			if create != nil {
				mergeInto(create.payload, payload)
				removed = append(removed, entry.ID)
				continue
			}
			if len(kept) > 0 {
				remoteExisted = true
				dropAll()
			}
			kept = append(kept, current)

		case OperationDelete:
			switch {
			case create != nil:
				dropAll()
				if remoteExisted {
					kept = append(kept, current)
				} else {
					removed = append(removed, entry.ID)
				}
			case deleted != nil:
				removed = append(removed, entry.ID)
			default:
				dropAll()
				kept = append(kept, current)
			}

		case OperationUpdate:
			switch {
			case create != nil:
				mergeInto(create.payload, payload)
				removed = append(removed, entry.ID)
			case deleted != nil:
				removed = append(removed, entry.ID)
			default:
				if update := findKept(kept, OperationUpdate, ""); update != nil {
					mergeInto(update.payload, payload)
					keepEarliestBase(update.base, base)
					removed = append(removed, entry.ID)
					continue
				}
				kept = append(kept, current)
			}

		case OperationSet:
			value := payload[PayloadValue]
			switch {
			case create != nil:
				create.payload[entry.Field] = value
				removed = append(removed, entry.ID)
			case deleted != nil:
				removed = append(removed, entry.ID)
			default:
				if update := findKept(kept, OperationUpdate, ""); update != nil {
					update.payload[entry.Field] = value
					keepEarliestBase(update.base, base)
					removed = append(removed, entry.ID)
					continue
				}
				if earlier := findKept(kept, OperationSet, entry.Field); earlier != nil {
					earlier.payload[PayloadValue] = value
					removed = append(removed, entry.ID)
					continue
				}
				kept = append(kept, current)
			}

		case OperationIncrement, OperationDecrement:
			switch {
			case deleted != nil:
				removed = append(removed, entry.ID)
			case create != nil:
				if base, ok := records.Numeric(create.payload[entry.Field]); ok {
					create.payload[entry.Field] = base + entry.SignedDelta()
					removed = append(removed, entry.ID)
					continue
				}
				kept = append(kept, current)
			default:
				kept = append(kept, current)
			}

		case OperationToggle:
			switch {
			case deleted != nil:
				removed = append(removed, entry.ID)
			case create != nil:
				if flag, ok := create.payload[entry.Field].(bool); ok {
					create.payload[entry.Field] = !flag
					removed = append(removed, entry.ID)
					continue
				}
				kept = append(kept, current)
			default:
				kept = append(kept, current)
			}

		default:
			kept = append(kept, current)
		}
	}

	kept, removed = foldIncrements(kept, removed)
	kept, removed = foldToggles(kept, removed)
	return kept, removed, nil
}

func foldIncrements(kept []*workingEntry, removed []int64) ([]*workingEntry, []int64) {
	byField := map[string][]*workingEntry{}
	for _, working := range kept {
		if working.entry.Operation == OperationIncrement || working.entry.Operation == OperationDecrement {
			byField[working.entry.Field] = append(byField[working.entry.Field], working)
		}
	}
	if len(byField) == 0 {
		return kept, removed
	}
	drop := map[int64]bool{}
	for _, group := range byField {
		net := 0.0
		for _, working := range group {
			net += signedDelta(working)
		}
		if net == 0 {
			for _, working := range group {
				drop[working.entry.ID] = true
			}
			continue
		}
		survivor := group[0]
		if net > 0 {
			survivor.entry.Operation = OperationIncrement
		} else {
			survivor.entry.Operation = OperationDecrement
		}
		survivor.payload[PayloadAmount] = math.Abs(net)
		for _, working := range group[1:] {
			drop[working.entry.ID] = true
		}
	}
	return partition(kept, removed, drop)
}

func foldToggles(kept []*workingEntry, removed []int64) ([]*workingEntry, []int64) {
	byField := map[string][]*workingEntry{}
	for _, working := range kept {
		if working.entry.Operation == OperationToggle {
			byField[working.entry.Field] = append(byField[working.entry.Field], working)
		}
	}
	if len(byField) == 0 {
		return kept, removed
	}
	drop := map[int64]bool{}
	for _, group := range byField {
		start := 1
		if len(group)%2 == 0 {
			start = 0
		}
		for _, working := range group[start:] {
			drop[working.entry.ID] = true
		}
	}
	return partition(kept, removed, drop)
}

func partition(kept []*workingEntry, removed []int64, drop map[int64]bool) ([]*workingEntry, []int64) {
	if len(drop) == 0 {
		return kept, removed
	}
	survivors := make([]*workingEntry, 0, len(kept))
	for _, working := range kept {
		if drop[working.entry.ID] {
			removed = append(removed, working.entry.ID)
			continue
		}
		survivors = append(survivors, working)
	}
	return survivors, removed
}

func signedDelta(working *workingEntry) float64 {
	amount := amountOf(working.payload)
	if working.entry.Operation == OperationDecrement {
		return -amount
	}
	return amount
}

func findKept(kept []*workingEntry, op OperationType, field string) *workingEntry {
	for _, working := range kept {
		if working.entry.Operation != op {
			continue
		}
		if field != "" && working.entry.Field != field {
			continue
		}
		return working
	}
	return nil
}

func findOriginal(group []Entry, id int64) Entry {
	for _, entry := range group {
		if entry.ID == id {
			return entry
		}
	}
	return Entry{}
}

// keepEarliestBase adds base values for fields the target does not cover yet. The first
// recorded base of a field is the value before any pending change.
func keepEarliestBase(target, source map[string]any) {
	for key, value := range source {
		if _, ok := target[key]; !ok {
			target[key] = value
		}
	}
}

func sameBase(encoded, stored string) bool {
	if strings.TrimSpace(stored) == "" {
		return encoded == "{}"
	}
	return encoded == stored
}

func mergeInto(target, source map[string]any) {
	for key, value := range source {
		target[key] = value
	}
}
