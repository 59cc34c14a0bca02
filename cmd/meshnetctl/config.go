package main

import (
	"encoding/json"
	"os"

	meshapi "meshnet/pkg/meshnet"
)

func loadTrainRequestFromConfig(path string) (meshapi.TrainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return meshapi.TrainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return meshapi.TrainRequest{}, err
	}

	var req meshapi.TrainRequest
	if v, ok := asString(raw["settings_path"]); ok {
		req.SettingsPath = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
