package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAddr = "http://127.0.0.1:5000"

var apiClient = &http.Client{Timeout: 30 * time.Second}

func apiPost(addr, path string, payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Post(strings.TrimRight(addr, "/")+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reach server at %s: %w", addr, err)
	}
	return decodeAPIResponse(resp)
}

func apiGet(addr, path string, query url.Values) (map[string]any, error) {
	u := strings.TrimRight(addr, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := apiClient.Get(u)
	if err != nil {
		return nil, fmt.Errorf("reach server at %s: %w", addr, err)
	}
	return decodeAPIResponse(resp)
}

func decodeAPIResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= 400 {
		if msg, ok := out["error"].(string); ok && msg != "" {
			return out, fmt.Errorf("server rejected request: %s", msg)
		}
		return out, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return out, nil
}
