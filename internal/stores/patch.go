package stores

import (
	"encoding/json"
)

var jsonNull = json.RawMessage("null")

func fieldsOf(v any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// mergePatch overlays patch onto cur. The result is decoded into a fresh
// value so that a null in the patch resets a field to its zero value.
func mergePatch[T any](cur T, patch json.RawMessage) (T, error) {
	var out T
	base, err := fieldsOf(cur)
	if err != nil {
		return out, err
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(patch, &delta); err != nil {
		return out, err
	}
	for k, v := range delta {
		if k == "id" {
			continue
		}
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, err
	}
	return out, nil
}

func pickFields(v any, id string, keys []string) (json.RawMessage, error) {
	all, err := fieldsOf(v)
	if err != nil {
		return nil, err
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	picked := map[string]json.RawMessage{"id": idRaw}
	for _, k := range keys {
		if k == "id" {
			continue
		}
		if val, ok := all[k]; ok {
			picked[k] = val
		} else {
			picked[k] = jsonNull
		}
	}
	return json.Marshal(picked)
}

// PatchKeys lists the field names carried by an update payload, id excluded.
func PatchKeys(patch json.RawMessage) ([]string, error) {
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
