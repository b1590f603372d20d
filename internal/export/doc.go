// Package export implements the canonical text export of a finished acquisition session and
// its inverse parser.
//
// An export document has four parts: a quoted key/value summary, a statistics table, a
// "#RAW_HEADERS" marker declaring the data column order, and one data row per sample. Times and
// values are written with two decimals; the format is intentionally lossy past that precision.
package export
