package audit

import "reflect"

// Changes collects field-level differences for UPDATE records.
type Changes struct {
	changes  map[string]any
	previous map[string]any
}

func NewChanges() *Changes {
	return &Changes{changes: map[string]any{}, previous: map[string]any{}}
}

// Track records field when before and after differ.
func (c *Changes) Track(field string, before, after any) {
	before, after = deref(before), deref(after)
	if reflect.DeepEqual(before, after) {
		return
	}
	c.changes[field] = after
	c.previous[field] = before
}

// Set records a change whose previous value is withheld, e.g. secrets.
func (c *Changes) Set(field string, after any) {
	c.changes[field] = deref(after)
}

func (c *Changes) Empty() bool { return len(c.changes) == 0 }

// Details renders {"changes": ..., "previousValues": ...}.
func (c *Changes) Details() map[string]any {
	return map[string]any{
		"changes":        c.changes,
		"previousValues": c.previous,
	}
}

func deref(v any) any {
	switch p := v.(type) {
	case *string:
		if p == nil {
			return nil
		}
		return *p
	case *bool:
		if p == nil {
			return nil
		}
		return *p
	case *int:
		if p == nil {
			return nil
		}
		return *p
	case *float64:
		if p == nil {
			return nil
		}
		return *p
	}
	return v
}
