package condition

// Record is a polymorphic entity row keyed by column name.
type Record map[string]Value

// RecordFromMap converts a decoded JSON object into a Record.
func RecordFromMap(m map[string]any) Record {
	r := make(Record, len(m))
	for k, v := range m {
		r[k] = FromAny(v)
	}
	return r
}

// Get returns the field value, or null when the field is absent.
func (r Record) Get(field string) Value {
	if r == nil {
		return Null()
	}
	return r[field]
}

// ID returns the record's "id" column rendered as text.
func (r Record) ID() string {
	return r.Get("id").Text()
}

// Status returns the record's "status" column, or "" when it is not a string.
func (r Record) Status() string {
	s, _ := r.Get("status").AsString()
	return s
}
