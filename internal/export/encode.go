package export

import (
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/stats"
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	bom = "\uFEFF"

	// RawHeadersMarker is the first field of the row that declares the data column order.
	RawHeadersMarker = "#RAW_HEADERS"

	timeColumn    = "time"
	regimenColumn = "regimen"

	startTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Document is the content of an export. Encode reads the first six fields; Decode fills all.
type Document struct {
	FileName     string
	StartedAt    time.Time // zero when unknown
	SampleRateHz float64
	Channels     []string
	Samples      []model.Sample
	Regimen      model.Label // session-level label; written only when known

	DurationLabel string
	TotalSamples  int
	Statistics    []model.ChannelStatistics
}

// Header returns the data column order declared by the raw-headers marker.
func Header(channels []string) []string {
	h := make([]string, 0, len(channels)+2)
	h = append(h, timeColumn)
	h = append(h, channels...)
	return append(h, regimenColumn)
}

// Encode renders the document. It is a pure function of the document's file name, start time,
// sample rate, channels, samples and regimen, and never fails: an empty sample set yields an
// empty data section.
func Encode(doc Document) []byte {
	var b bytes.Buffer
	b.WriteString(bom)

	writeRow(&b, quote("testSummary"))
	writeRow(&b, quote("parameter"), quote("value"))
	writeRow(&b, quote("fileNameLabel"), quote(fileNameWithExt(doc.FileName)))
	if !doc.StartedAt.IsZero() {
		writeRow(&b, quote("startTime"), quote(doc.StartedAt.UTC().Format(startTimeLayout)))
	}
	writeRow(&b, quote("durationLabel"), quote(durationLabel(doc.Samples)))
	writeRow(&b, quote("samplesPerSecondLabel"), quote(strconv.FormatFloat(doc.SampleRateHz, 'f', -1, 64)+" Hz"))
	writeRow(&b, quote("totalSamples"), quote(strconv.Itoa(len(doc.Samples)*len(doc.Channels))))
	if doc.Regimen.Known() {
		writeRow(&b, quote("dominantRegimen"), quote(string(doc.Regimen)))
	}
	b.WriteByte('\n')

	writeRow(&b, quote("testStatistics"))
	writeRow(&b, quote("sensor"), quote("mean"), quote("stdDev"), quote("min"), quote("max"))
	for _, st := range stats.Compute(doc.Samples, doc.Channels) {
		f := stats.Formatted(st)
		writeRow(&b, quote(st.Channel), quote(f[0]), quote(f[1]), quote(f[2]), quote(f[3]))
	}
	b.WriteByte('\n')

	header := Header(doc.Channels)
	quoted := make([]string, 0, len(header)+1)
	quoted = append(quoted, quote(RawHeadersMarker))
	for _, h := range header {
		quoted = append(quoted, quote(h))
	}
	writeRow(&b, quoted...)
	writeRow(&b, quote("collectedData"))
	quoted[0] = quote("sampleNumber")
	writeRow(&b, quoted...)

	row := make([]string, 0, len(header)+1)
	for i, s := range doc.Samples {
		row = row[:0]
		row = append(row, strconv.Itoa(i+1), format2(s.Time))
		for _, ch := range doc.Channels {
			v, ok := s.Values[ch]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				row = append(row, quote(""))
				continue
			}
			row = append(row, format2(v))
		}
		label := s.Regimen
		if !label.Known() && doc.Regimen.Known() {
			label = doc.Regimen
		}
		row = append(row, quote(string(label)))
		writeRow(&b, row...)
	}

	return b.Bytes()
}

func writeRow(b *bytes.Buffer, fields ...string) {
	b.WriteString(strings.Join(fields, ","))
	b.WriteByte('\n')
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func format2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func durationLabel(samples []model.Sample) string {
	if len(samples) == 0 {
		return "0s"
	}
	return format2(samples[len(samples)-1].Time) + "s"
}

func fileNameWithExt(name string) string {
	if strings.HasSuffix(name, ".csv") {
		return name
	}
	return name + ".csv"
}

// DominantLabel returns the most frequent known per-sample label. Ties resolve in the fixed
// label order. When no sample carries a known label, fallback is returned.
func DominantLabel(samples []model.Sample, fallback model.Label) model.Label {
	counts := make(map[model.Label]int, len(model.LabelOrder))
	for _, s := range samples {
		if s.Regimen.Known() {
			counts[s.Regimen]++
		}
	}
	best, bestCount := fallback, 0
	for _, l := range model.LabelOrder {
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}
