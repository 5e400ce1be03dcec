package models

// Details is the static-attribute response of an inventory lookup. It is
// either present with a (possibly nested) field map or absent. All reads go
// through total accessors that fall back to a default.
type Details struct {
	fields  map[string]interface{}
	present bool
}

func PresentDetails(fields map[string]interface{}) Details {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Details{fields: fields, present: true}
}

func AbsentDetails() Details {
	return Details{}
}

func (d Details) Present() bool {
	return d.present
}

// Lookup walks nested maps along path. The bool is false when the details are
// absent or any segment is missing.
func (d Details) Lookup(path ...string) (interface{}, bool) {
	if !d.present || len(path) == 0 {
		return nil, false
	}

	var cur interface{} = d.fields
	for _, seg := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (d Details) Has(path ...string) bool {
	_, ok := d.Lookup(path...)
	return ok
}

func (d Details) Float(path ...string) float64 {
	v, ok := d.Lookup(path...)
	if !ok {
		return 0
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0
	}
	return f
}

// FloatOr is Float with a caller-chosen default for missing values.
func (d Details) FloatOr(def float64, path ...string) float64 {
	v, ok := d.Lookup(path...)
	if !ok {
		return def
	}
	f, ok := ToFloat(v)
	if !ok {
		return def
	}
	return f
}

func (d Details) String(path ...string) string {
	v, ok := d.Lookup(path...)
	if !ok {
		return NotAvailable
	}
	s := FormatValue(v)
	if s == "" {
		return NotAvailable
	}
	return s
}

// Section returns the nested details under path, absent when missing.
func (d Details) Section(path ...string) Details {
	v, ok := d.Lookup(path...)
	if !ok {
		return AbsentDetails()
	}
	m, ok := asMap(v)
	if !ok {
		return AbsentDetails()
	}
	return PresentDetails(m)
}

// Items returns the list under path as details, used for repeated sections
// such as tenant connection endpoints.
func (d Details) Items(path ...string) []Details {
	v, ok := d.Lookup(path...)
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]Details, 0, len(list))
	for _, item := range list {
		if m, ok := asMap(item); ok {
			out = append(out, PresentDetails(m))
		}
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}
