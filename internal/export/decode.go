package export

import (
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/stats"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMissingRawHeaders is returned when a document has no raw-headers marker row.
var ErrMissingRawHeaders = errors.New("export: raw headers marker not found")

type section int

const (
	sectionSummary section = iota
	sectionStatistics
	sectionData
)

// Decode parses an export document. It accepts plain or gzip-compressed input, tolerates blank
// lines, quoted fields and "#"-prefixed metadata keys, and reads data columns in the order the
// raw-headers marker declares.
func Decode(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read export document: %w", err)
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress export document: %w", err)
		}
	}
	raw = bytes.TrimPrefix(raw, []byte(bom))

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	doc := &Document{}
	var header []string
	sec := sectionSummary

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse export document: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		key := strings.TrimSpace(rec[0])
		if key == "" && len(rec) == 1 {
			continue
		}

		if key == RawHeadersMarker {
			header = trimAll(rec[1:])
			sec = sectionData
			continue
		}

		if sec == sectionData {
			if _, err := strconv.Atoi(key); err == nil {
				if s, ok := parseRow(rec, header); ok {
					doc.Samples = append(doc.Samples, s)
				}
				continue
			}
		}

		switch strings.TrimPrefix(key, "#") {
		case "fileNameLabel":
			doc.FileName = strings.TrimSuffix(field(rec, 1), ".csv")
		case "startTime":
			doc.StartedAt = parseStartTime(field(rec, 1))
		case "durationLabel":
			doc.DurationLabel = field(rec, 1)
		case "samplesPerSecondLabel":
			if parts := strings.Fields(field(rec, 1)); len(parts) > 0 {
				doc.SampleRateHz, _ = strconv.ParseFloat(parts[0], 64)
			}
		case "totalSamples":
			doc.TotalSamples, _ = strconv.Atoi(field(rec, 1))
		case "dominantRegimen":
			doc.Regimen = model.ParseLabel(field(rec, 1))
		case "testStatistics":
			sec = sectionStatistics
		default:
			if sec == sectionStatistics && len(rec) >= 5 && key != "sensor" {
				doc.Statistics = append(doc.Statistics, parseStatistics(rec))
			}
		}
	}

	if len(header) == 0 {
		return nil, ErrMissingRawHeaders
	}
	for _, h := range header {
		if h != timeColumn && h != regimenColumn {
			doc.Channels = append(doc.Channels, h)
		}
	}
	if !doc.Regimen.Known() {
		doc.Regimen = DominantLabel(doc.Samples, doc.Regimen)
	}
	return doc, nil
}

func parseRow(rec, header []string) (model.Sample, bool) {
	if len(rec) < len(header)+1 {
		return model.Sample{}, false
	}
	s := model.Sample{Values: make(map[string]float64, len(header))}
	for i, h := range header {
		v := strings.TrimSpace(rec[i+1])
		switch h {
		case timeColumn:
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return model.Sample{}, false
			}
			s.Time = t
		case regimenColumn:
			if v != "" {
				s.Regimen = model.ParseLabel(v)
			}
		default:
			if v == "" {
				continue
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				s.Values[h] = f
			}
		}
	}
	return s, true
}

func parseStatistics(rec []string) model.ChannelStatistics {
	st := model.ChannelStatistics{Channel: strings.TrimSpace(rec[0])}
	var vals [4]float64
	for i := 0; i < 4; i++ {
		v := strings.TrimSpace(rec[i+1])
		if v == stats.NotAvailable {
			return st
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return st
		}
		vals[i] = f
	}
	st.Mean, st.StdDev, st.Min, st.Max = vals[0], vals[1], vals[2], vals[3]
	st.Available = true
	return st
}

// parseStartTime accepts RFC 3339 timestamps and the zone-less ISO form older registry exports
// carry, which is read as UTC.
func parseStartTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
