package json

// Raw is a raw encoded JSON value. It delays decoding of an Op's "d" field
// until the op code is known.
type Raw []byte

// MarshalJSON returns m as the JSON encoding of m, or null if m is empty.
func (m Raw) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON copies data into m, reusing m's backing array.
func (m *Raw) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// UnmarshalTo decodes the raw value into v. A null or empty value leaves v
// untouched.
func (m Raw) UnmarshalTo(v interface{}) error {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return Unmarshal(m, v)
}

func (m Raw) String() string {
	return string(m)
}
