// Package datasheet is an offline tool that extracts spec tables from
// manufacturer PDF datasheets to seed component DB entries. It is not part
// of the per-product fetch/extract pipeline: it operates on local PDFs
// supplied by whoever is authoring field rules, not on fetched web evidence.
package datasheet

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/specfactory/specfactory/rules/componentdb"
)

// Row is one extracted "key: value" row from a datasheet's spec table.
type Row struct {
	Key   string
	Value string
	Page  int
}

// ExtractRows reads every page of the PDF at path and returns the rows its
// text resembles a spec table: lines that split cleanly into a short label
// and a value.
func ExtractRows(path string) ([]Row, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasheet: opening PDF: %w", err)
	}
	defer f.Close()

	var rows []Row
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := pageLines(page)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			if row, ok := parseSpecRow(line); ok {
				row.Page = i
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

var specRowPattern = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 /_\-]{1,40}?)\s*[:\t]\s*(.{1,120})\s*$`)

func parseSpecRow(line string) (Row, bool) {
	m := specRowPattern.FindStringSubmatch(line)
	if m == nil {
		return Row{}, false
	}
	key := strings.TrimSpace(m[1])
	value := strings.TrimSpace(m[2])
	if key == "" || value == "" {
		return Row{}, false
	}
	return Row{Key: key, Value: value}, true
}

// ToProperties converts a flat []Row for one component into the
// componentdb.Property map, defaulting every property's variance policy to
// override_allowed; callers typically raise specific properties to
// authoritative after review.
func ToProperties(rows []Row) map[string]componentdb.Property {
	props := make(map[string]componentdb.Property, len(rows))
	for _, r := range rows {
		props[normalizeKey(r.Key)] = componentdb.Property{Value: r.Value, VariancePolicy: "override_allowed"}
	}
	return props
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}

// pageLines flattens a page's text runs into top-to-bottom lines. Runs are
// bucketed by quantized baseline, with the quantum derived from the page's
// typical glyph size, so dense tables set in small type still split into
// separate rows. Within a bucket the content-stream order is kept; some
// PDFs use negative text matrices, so sorting runs by X would scramble them.
func pageLines(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	quantum := baselineQuantum(content.Text)
	byBucket := map[int]*strings.Builder{}
	var order []int
	for _, run := range content.Text {
		bucket := int(math.Round(run.Y / quantum))
		line, seen := byBucket[bucket]
		if !seen {
			line = &strings.Builder{}
			byBucket[bucket] = line
			order = append(order, bucket)
		}
		line.WriteString(run.S)
	}
	// Page coordinates grow upward, so higher buckets print first.
	sort.Sort(sort.Reverse(sort.IntSlice(order)))

	var sb strings.Builder
	for _, bucket := range order {
		if text := strings.TrimSpace(byBucket[bucket].String()); text != "" {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// baselineQuantum sizes the line buckets from the median font size on the
// page, clamped so missing or absurd font metadata cannot merge the whole
// page into one bucket or split every glyph into its own.
func baselineQuantum(runs []pdf.Text) float64 {
	sizes := make([]float64, 0, len(runs))
	for _, r := range runs {
		if r.FontSize > 0 {
			sizes = append(sizes, r.FontSize)
		}
	}
	if len(sizes) == 0 {
		return 4
	}
	sort.Float64s(sizes)
	q := sizes[len(sizes)/2] * 0.6
	if q < 2 {
		return 2
	}
	if q > 12 {
		return 12
	}
	return q
}
