package agent

import "slices"

// CapabilityMap maps a task type to the capability tags an agent must carry
// to execute it.
type CapabilityMap map[string][]string

// Required returns the tags required for taskType and whether a mapping
// exists at all.
func (m CapabilityMap) Required(taskType string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	tags, ok := m[taskType]
	return tags, ok
}

// Resolve returns the sorted, de-duplicated requirement set for taskType.
// Unmapped types resolve to nil.
func (m CapabilityMap) Resolve(taskType string) []string {
	tags, ok := m.Required(taskType)
	if !ok || len(tags) == 0 {
		return nil
	}
	out := append([]string(nil), tags...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy.
func (m CapabilityMap) Clone() CapabilityMap {
	if m == nil {
		return nil
	}
	out := make(CapabilityMap, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
