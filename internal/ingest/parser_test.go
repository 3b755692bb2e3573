package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scentd/internal/model"
)

func TestParseKeyValueLine(t *testing.T) {
	p := NewParser("UTC")
	r, err := p.ParseLine("2024-06-01 10:00:00 device=esp32-1 voc=854 no2=808 ethanol=808.5 status=ok")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.DeviceID != "esp32-1" {
		t.Fatalf("device id: %q", r.DeviceID)
	}
	if r.Values["voc"] != 854 || r.Values["no2"] != 808 || r.Values["ethanol"] != 808.5 {
		t.Fatalf("values: %v", r.Values)
	}
	if _, ok := r.Values["status"]; ok {
		t.Fatalf("non-numeric field kept")
	}
	want := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp: %v", r.Timestamp)
	}
}

func TestParseCSVBlankRowKeepsHeader(t *testing.T) {
	p := NewParser("UTC")
	if r, err := p.ParseLine("device_id,voc,no2"); r != nil || err != nil {
		t.Fatalf("header: %v %v", r, err)
	}
	if _, err := p.ParseLine("esp32-1,,"); err == nil {
		t.Fatalf("expected error for row without sensor values")
	}
	if _, err := p.ParseLine("gateway,status,mode"); err == nil {
		t.Fatalf("expected error for unrelated non-numeric row")
	}
	r, err := p.ParseLine("esp32-1,854,808")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.DeviceID != "esp32-1" || len(r.Values) != 2 || r.Values["voc"] != 854 || r.Values["no2"] != 808 {
		t.Fatalf("header was replaced: %+v", r)
	}
	if r, err := p.ParseLine("device_id,VOC_multichannel,NO2"); r != nil || err != nil {
		t.Fatalf("related header should be accepted: %v %v", r, err)
	}
	if r, _ := p.ParseLine("esp32-1,521,242"); r == nil || r.Values["NO2"] != 242 {
		t.Fatalf("new header not applied: %+v", r)
	}
}

func TestParseLineWithoutValues(t *testing.T) {
	p := NewParser("UTC")
	if _, err := p.ParseLine("booting sensor array"); err == nil {
		t.Fatalf("expected error for line without values")
	}
	if r, err := p.ParseLine("   "); r != nil || err != nil {
		t.Fatalf("blank line should be skipped")
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser("UTC")
	if _, err := p.ParseLine("esp32-1,854,808"); err == nil {
		t.Fatalf("expected error for row before header")
	}
	if r, _ := p.ParseLine("timestamp,device_id,VOC_multichannel,NO2,COandH2"); r != nil {
		t.Fatalf("expected header to return nil")
	}
	r, err := p.ParseLine("1717236000000,esp32-2,521,242,")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.DeviceID != "esp32-2" || r.Values["VOC_multichannel"] != 521 || r.Values["NO2"] != 242 {
		t.Fatalf("csv parse mismatch: %+v", r)
	}
	if _, ok := r.Values["COandH2"]; ok {
		t.Fatalf("empty cell should be absent")
	}
	if r.Timestamp.UnixMilli() != 1717236000000 {
		t.Fatalf("timestamp: %v", r.Timestamp)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser("UTC")
	line := `{"deviceId":"esp32-3","timestamp":"2024-06-01T10:00:00Z","voc":854,"no2":"808","co_h2":null,"ok":true}`
	r, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.DeviceID != "esp32-3" {
		t.Fatalf("device id: %q", r.DeviceID)
	}
	if len(r.Values) != 2 || r.Values["voc"] != 854 || r.Values["no2"] != 808 {
		t.Fatalf("values: %v", r.Values)
	}
}

func TestParseNestedJSON(t *testing.T) {
	r, err := ParseJSONBytes([]byte(`{"device":"a","sensors":{"srawVoc":30444,"srawNox":13949}}`), time.UTC)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if r.DeviceID != "a" || r.Values["srawVoc"] != 30444 || len(r.Values) != 2 {
		t.Fatalf("nested parse mismatch: %+v", r)
	}
	if _, err := ParseJSONBytes([]byte(`[1,2]`), time.UTC); err == nil {
		t.Fatalf("expected error for array")
	}
}

func TestRESTQueuesReadings(t *testing.T) {
	out := make(chan model.Reading, 4)
	srv := NewRESTServer(NewParser("UTC"), out, nil, nil)
	body := `[{"device_id":"a","voc":1},{"device_id":"b","no2":2}]`
	req := httptest.NewRequest(http.MethodPost, "/readings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 queued readings, got %d", len(out))
	}
	first := <-out
	if first.Source != sourceREST || first.DeviceID != "a" {
		t.Fatalf("unexpected reading %+v", first)
	}

	req = httptest.NewRequest(http.MethodPost, "/readings", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.Reading, 1)
	if !SendNonBlocking(context.Background(), out, model.Reading{}, nil, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(context.Background(), out, model.Reading{}, nil, nil) {
		t.Fatalf("second send should drop")
	}
}

func TestMQTTMessageTakesDeviceFromTopic(t *testing.T) {
	out := make(chan model.Reading, 1)
	payload := []byte(`{"device_id":"ignored","voc":521,"no2":242}`)
	handleMQTTMessage(context.Background(), NewParser("UTC"), "scent/+/reading", "scent/esp32-9/reading", payload, out, nil, nil)
	r := <-out
	if r.DeviceID != "esp32-9" || r.Source != sourceMQTT {
		t.Fatalf("unexpected reading %+v", r)
	}
}
