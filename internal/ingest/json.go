package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"scentd/internal/model"
	"scentd/internal/normalize"
)

var errNotObject = errors.New("reading must be a JSON object")

var nestedKeys = map[string]struct{}{"values": {}, "sensors": {}, "sensor_data": {}}

func ParseJSONBytes(data []byte, loc *time.Location) (*model.Reading, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errNotObject
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj, loc), nil
}

// ParseJSONMap keeps every finite numeric field as a sensor value under its
// original key. Device and timestamp metadata are picked out; anything else
// non-numeric is ignored.
func ParseJSONMap(obj map[string]any, loc *time.Location) *model.Reading {
	r := &model.Reading{Values: map[string]float64{}}
	for key, val := range obj {
		lower := strings.ToLower(key)
		if _, ok := nestedKeys[lower]; ok {
			if inner, ok := val.(map[string]any); ok {
				for k, v := range inner {
					if f, ok := numeric(v); ok {
						r.Values[k] = f
					}
				}
				continue
			}
		}
		if isMetaKey(lower) {
			assignMeta(r, lower, scalarString(val), loc)
			continue
		}
		if f, ok := numeric(val); ok {
			r.Values[key] = f
		}
	}
	return r
}

func isMetaKey(key string) bool {
	switch key {
	case "device_id", "deviceid", "device", "timestamp", "time", "ts", "source":
		return true
	}
	return false
}

func assignMeta(r *model.Reading, key, value string, loc *time.Location) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch key {
	case "device_id", "deviceid", "device":
		if r.DeviceID == "" || key == "device_id" {
			r.DeviceID = value
		}
	case "timestamp", "time", "ts":
		if ts, err := normalize.ParseTimestamp(value, loc); err == nil {
			r.Timestamp = ts
		}
	case "source":
		r.Source = value
	}
}

func numeric(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
