package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"rfiassist/internal/model"
)

// qaPair is one historical question with its accepted answer
type qaPair struct {
	Question string
	Answer   string
}

// readFile loads Question/Answer pairs from a .csv or .xlsx file
func readFile(path string) ([]qaPair, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readCSV(f)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, fmt.Errorf("%s: unsupported file type", path)
	}
}

func readCSV(r io.Reader) ([]qaPair, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return pairsFromRows(rows)
}

// readXLSX reads every sheet of the workbook that carries the two columns
func readXLSX(path string) ([]qaPair, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var out []qaPair
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		pairs, err := pairsFromRows(rows)
		if errors.Is(err, errNoColumns) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		out = append(out, pairs...)
	}
	return out, nil
}

var errNoColumns = errors.New("missing Question/Answer header")

// pairsFromRows locates the Question and Answer columns in the header row and
// returns the non-empty pairs below it
func pairsFromRows(rows [][]string) ([]qaPair, error) {
	if len(rows) == 0 {
		return nil, errNoColumns
	}
	qCol, aCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "question":
			qCol = i
		case "answer":
			aCol = i
		}
	}
	if qCol < 0 || aCol < 0 {
		return nil, errNoColumns
	}

	var out []qaPair
	for _, row := range rows[1:] {
		q := model.NormalizeQuestion(cell(row, qCol))
		a := strings.TrimSpace(cell(row, aCol))
		if q == "" || a == "" {
			continue
		}
		out = append(out, qaPair{Question: q, Answer: a})
	}
	return out, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

// seedRows turns pairs into retrieval-only answers, first occurrence of a question wins
func seedRows(pairs []qaPair) []*model.Answer {
	seen := make(map[string]bool, len(pairs))
	out := make([]*model.Answer, 0, len(pairs))
	for _, p := range pairs {
		question := model.NormalizeQuestion(p.Question)
		hash := model.HashQuestion(question)
		if question == "" || seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, &model.Answer{Hash: hash, Question: question, Answer: p.Answer})
	}
	return out
}
