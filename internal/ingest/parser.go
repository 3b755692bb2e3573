package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"scentd/internal/model"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*[=:]\s*([^\s,;]+)`)

	errNoValues    = errors.New("no sensor values in line")
	errNoCSVHeader = errors.New("csv row before header")
	errCSVNoValues = errors.New("csv row without sensor values")
)

// Parser turns one line of a stream into a reading. A CSV header row is
// remembered, so use one Parser per stream.
type Parser struct {
	loc *time.Location
	csv *CSVParser
}

// NewParser interprets zone-less timestamps in timezone; an unknown zone
// falls back to UTC.
func NewParser(timezone string) *Parser {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	return &Parser{loc: loc, csv: NewCSVParser(loc)}
}

func (p *Parser) Location() *time.Location {
	return p.loc
}

// ParseLine returns nil, nil for blank lines and CSV header rows.
func (p *Parser) ParseLine(line string) (*model.Reading, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		r, err := ParseJSONBytes([]byte(trim), p.loc)
		if err != nil {
			return nil, err
		}
		r.Raw = trim
		return r, nil
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		r, err := p.csv.Parse(trim)
		if err != nil || r == nil {
			return nil, err
		}
		r.Raw = trim
		return r, nil
	}
	r, err := parsePlain(trim, p.loc)
	if err != nil {
		return nil, err
	}
	r.Raw = trim
	return r, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string, loc *time.Location) (*model.Reading, error) {
	r := &model.Reading{Values: map[string]float64{}}
	ts, rest := extractTimestamp(line)
	if ts != "" {
		assignMeta(r, "timestamp", ts, loc)
	}
	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		assignField(r, match[1], match[2], loc)
	}
	if len(r.Values) == 0 {
		return nil, errNoValues
	}
	return r, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

func assignField(r *model.Reading, name, value string, loc *time.Location) {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if isMetaKey(lower) {
		assignMeta(r, lower, value, loc)
		return
	}
	if f, ok := numeric(value); ok {
		r.Values[name] = f
	}
}

type CSVParser struct {
	mu     sync.Mutex
	loc    *time.Location
	header []string
}

func NewCSVParser(loc *time.Location) *CSVParser {
	return &CSVParser{loc: loc}
}

func (p *CSVParser) Parse(line string) (*model.Reading, error) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.TrimLeadingSpace = true
	record, err := cr.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if looksLikeHeader(record) {
		if !p.acceptsHeader(record) {
			return nil, errCSVNoValues
		}
		p.header = normalizeHeader(record)
		return nil, nil
	}
	if p.header == nil {
		return nil, errNoCSVHeader
	}
	r := &model.Reading{Values: map[string]float64{}}
	for i, name := range p.header {
		if i >= len(record) {
			break
		}
		assignField(r, name, record[i], p.loc)
	}
	return r, nil
}

func (p *CSVParser) acceptsHeader(record []string) bool {
	cols := normalizeHeader(record)
	for _, c := range cols {
		if c == "" {
			return false
		}
	}
	if p.header == nil {
		return true
	}
	for _, c := range cols {
		for _, h := range p.header {
			if strings.EqualFold(c, h) {
				return true
			}
		}
	}
	return false
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if _, ok := numeric(v); ok {
			return false
		}
	}
	return true
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.TrimSpace(v)
	}
	return out
}
