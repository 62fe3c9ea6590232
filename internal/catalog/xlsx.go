package catalog

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/esg-worker/internal/model"
)

// xlsx column layout for catalog imports. The first row is a header.
const (
	colCode = iota
	colAttribute
	colPillar
	colName
	colUnit
	colWeight
	colDescription
	colCount
)

// ImportXLSX parses an indicator catalog workbook into definitions. Blank
// rows are skipped; any malformed row fails the whole import so a partial
// catalog never reaches the store.
func ImportXLSX(path string) ([]model.IndicatorDefinition, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("catalog: workbook has no sheets")
	}

	var defs []model.IndicatorDefinition
	for i, row := range f.Sheets[0].Rows {
		if i == 0 {
			continue // header
		}
		cells := rowToStrings(row)
		if blankRow(cells) {
			continue
		}
		def, err := parseRow(cells)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: row %d", i+1)
		}
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		return nil, ErrEmpty
	}
	return defs, nil
}

func parseRow(cells []string) (model.IndicatorDefinition, error) {
	var def model.IndicatorDefinition
	if len(cells) < colCount {
		padded := make([]string, colCount)
		copy(padded, cells)
		cells = padded
	}

	def.Code = strings.TrimSpace(cells[colCode])
	if def.Code == "" {
		return def, eris.New("missing indicator code")
	}

	attr, err := strconv.Atoi(strings.TrimSpace(cells[colAttribute]))
	if err != nil || attr < 1 || attr > 9 {
		return def, eris.Errorf("attribute %q must be an integer in [1, 9]", cells[colAttribute])
	}
	def.Attribute = attr

	def.Pillar = model.Pillar(strings.ToUpper(strings.TrimSpace(cells[colPillar])))
	if !def.Pillar.Valid() {
		return def, eris.Errorf("pillar %q must be one of E, S, G", cells[colPillar])
	}

	def.Name = strings.TrimSpace(cells[colName])
	if def.Name == "" {
		return def, eris.New("missing indicator name")
	}

	def.Unit = strings.TrimSpace(cells[colUnit])

	weight, err := strconv.ParseFloat(strings.TrimSpace(cells[colWeight]), 64)
	if err != nil || weight < 0 || weight > 1 {
		return def, eris.Errorf("weight %q must be a number in [0, 1]", cells[colWeight])
	}
	def.Weight = weight

	def.Description = strings.TrimSpace(cells[colDescription])
	return def, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
