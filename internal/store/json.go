package store

import "encoding/json"

// jsonMap marshals a map for a JSONB column. nil maps serialize as the
// empty object so columns stay non-null.
func jsonMap(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// jsonList marshals a string slice for a JSONB column.
func jsonList(l []string) []byte {
	if l == nil {
		l = []string{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func unmarshalMap(data []byte) map[string]any {
	m := map[string]any{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &m)
	}
	return m
}

func unmarshalList(data []byte) []string {
	var l []string
	if len(data) > 0 {
		_ = json.Unmarshal(data, &l)
	}
	return l
}
