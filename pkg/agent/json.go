package agent

import "encoding/json"

func parseJSONObject(text string) (map[string]interface{}, error) {
	var req map[string]interface{}
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return nil, err
	}
	return req, nil
}
