package types

import (
	"fmt"
	"regexp"
	"strings"
)

var idSanitizeRE = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SourceFieldID derives the stable id for a source column: the sanitized
// name joined with the column's ordinal. Duplicate column names on the
// source object stay distinguishable ("City__0", "City__1").
func SourceFieldID(rawName string, ordinal int) string {
	base := idSanitizeRE.ReplaceAllString(strings.TrimSpace(rawName), "_")
	if base == "" {
		base = "column"
	}
	return fmt.Sprintf("%s__%d", base, ordinal)
}

// BuildSourceFields turns the ordered raw column names of a source object
// into SourceFields with stable ids.
func BuildSourceFields(rawNames []string) []SourceField {
	fields := make([]SourceField, 0, len(rawNames))
	for i, name := range rawNames {
		fields = append(fields, SourceField{
			ID:          SourceFieldID(name, i),
			RawName:     name,
			DisplayName: strings.TrimSpace(name),
		})
	}
	return fields
}

// Map binds a source field to a target field, maintaining both indexes.
// Targets are exclusive: mapping a target that already has a source rebinds
// it. A source may fan out to multiple targets only when Override is set.
func (m *MappingState) Map(sourceID, targetID string) error {
	if !m.hasSource(sourceID) {
		return fmt.Errorf("mapping: unknown source field %q", sourceID)
	}
	if !m.hasTarget(targetID) {
		return fmt.Errorf("mapping: unknown target field %q", targetID)
	}

	if prev, ok := m.TargetToSource[targetID]; ok {
		m.removeTargetFromSource(prev, targetID)
	}

	existing := m.SourceToTargets[sourceID]
	if len(existing) > 0 && !m.Override {
		// Without override a source is single-target: rebind it.
		for _, t := range existing {
			delete(m.TargetToSource, t)
		}
		m.SourceToTargets[sourceID] = nil
	}

	m.SourceToTargets[sourceID] = append(m.SourceToTargets[sourceID], targetID)
	m.TargetToSource[targetID] = sourceID
	return nil
}

// Unmap removes the binding for a target field, if any.
func (m *MappingState) Unmap(targetID string) {
	src, ok := m.TargetToSource[targetID]
	if !ok {
		return
	}
	delete(m.TargetToSource, targetID)
	m.removeTargetFromSource(src, targetID)
}

// Validate checks the bidirectional-index invariant and that every required
// target field has a source.
func (m *MappingState) Validate() error {
	for src, targets := range m.SourceToTargets {
		if len(targets) > 1 && !m.Override {
			return fmt.Errorf("mapping: source %q maps to %d targets without override", src, len(targets))
		}
		for _, t := range targets {
			if got, ok := m.TargetToSource[t]; !ok || got != src {
				return fmt.Errorf("mapping: index mismatch for target %q", t)
			}
		}
	}
	for t, src := range m.TargetToSource {
		if !containsStr(m.SourceToTargets[src], t) {
			return fmt.Errorf("mapping: index mismatch for source %q", src)
		}
	}
	for _, tf := range m.TargetFields {
		if !tf.Required {
			continue
		}
		if _, ok := m.TargetToSource[tf.ID]; !ok {
			return fmt.Errorf("mapping: required field %q is unmapped", tf.Name)
		}
	}
	return nil
}

func (m *MappingState) hasSource(id string) bool {
	for _, f := range m.SourceFields {
		if f.ID == id {
			return true
		}
	}
	return false
}

func (m *MappingState) hasTarget(id string) bool {
	for _, f := range m.TargetFields {
		if f.ID == id {
			return true
		}
	}
	return false
}

func (m *MappingState) removeTargetFromSource(sourceID, targetID string) {
	targets := m.SourceToTargets[sourceID]
	for i, t := range targets {
		if t == targetID {
			m.SourceToTargets[sourceID] = append(targets[:i], targets[i+1:]...)
			break
		}
	}
	if len(m.SourceToTargets[sourceID]) == 0 {
		delete(m.SourceToTargets, sourceID)
	}
}

func containsStr(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
