package statcache

import "encoding/json"

// remarshal copies value into dest through JSON, matching the shape a
// store round trip would produce.
func remarshal(value, dest interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
