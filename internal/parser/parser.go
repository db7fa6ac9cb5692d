package parser

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"datasheet-rag/internal/models"
)

var (
	slideRe     = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	paragraphRe = regexp.MustCompile(`</(w|a):p>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
)

// ExtractPages returns the plain text of every page of the file.
// Slides and sheets count as pages; docx and txt files are a single page.
func ExtractPages(filePath string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		return parsePDF(filePath)
	case ".docx":
		return parseDOCX(filePath)
	case ".pptx":
		return parsePPTX(filePath)
	case ".xlsx":
		return parseXLSX(filePath)
	case ".xlsm", ".xltx", ".xltm":
		return parseExcelize(filePath)
	case ".txt":
		return parseText(filePath)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

// ExtractRanges extracts the pages covered by ranges and returns their text
// together with the range names, which become the section labels of the source.
// With no ranges the whole file is used and no labels are returned.
func ExtractRanges(filePath string, ranges []models.PageRange) (string, []string, error) {
	pages, err := ExtractPages(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to extract %s: %w", filePath, err)
	}
	log.Debug().Str("file", filePath).Int("pages", len(pages)).Msg("Extracted pages")

	text, sections := SelectPages(pages, ranges)
	return text, sections, nil
}

// SelectPages concatenates the pages of each range in range order, one "\n"
// after every page. End pages past the document are clamped.
func SelectPages(pages []string, ranges []models.PageRange) (string, []string) {
	if len(ranges) == 0 {
		return strings.TrimSpace(strings.Join(pages, "\n")), nil
	}

	var text strings.Builder
	var sections []string
	for _, r := range ranges {
		start := max(r.Start, 1)
		end := min(r.End, len(pages))
		for i := start; i <= end; i++ {
			text.WriteString(pages[i-1])
			text.WriteString("\n")
		}
		if r.Name != "" {
			sections = append(sections, r.Name)
		}
	}
	return text.String(), sections
}

// ParseRanges parses "name:start-end" items separated by commas, e.g. "Specs:1-3,Dims:7-7".
func ParseRanges(expr string) ([]models.PageRange, error) {
	var ranges []models.PageRange
	for _, item := range strings.Split(expr, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, pages, ok := strings.Cut(item, ":")
		if !ok {
			name, pages = "", item
		}
		first, last, ok := strings.Cut(pages, "-")
		if !ok {
			last = first
		}
		start, err := strconv.Atoi(strings.TrimSpace(first))
		if err != nil {
			return nil, fmt.Errorf("%w: bad page range %q", models.ErrInvalidConfiguration, item)
		}
		end, err := strconv.Atoi(strings.TrimSpace(last))
		if err != nil || start < 1 || end < start {
			return nil, fmt.Errorf("%w: bad page range %q", models.ErrInvalidConfiguration, item)
		}
		ranges = append(ranges, models.PageRange{Name: strings.TrimSpace(name), Start: start, End: end})
	}
	return ranges, nil
}

func parsePDF(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Get file size for reader initialization
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

func parseDOCX(filePath string) ([]string, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return []string{xmlToText(r.Editable().GetContent())}, nil
}

func parsePPTX(filePath string) ([]string, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type slide struct {
		num  int
		text string
	}
	var slides []slide
	for _, file := range f.File {
		m := slideRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: num, text: xmlToText(string(data))})
	}

	// zip order is not slide order
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	pages := make([]string, len(slides))
	for i, s := range slides {
		pages[i] = s.text
	}
	return pages, nil
}

func parseXLSX(filePath string) ([]string, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var pages []string
	for _, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		pages = append(pages, text.String())
	}
	return pages, nil
}

func parseExcelize(filePath string) ([]string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		pages = append(pages, text.String())
	}
	return pages, nil
}

func parseText(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}

// xmlToText keeps paragraph breaks and drops all markup from office xml
func xmlToText(xmlContent string) string {
	text := paragraphRe.ReplaceAllString(xmlContent, "\n")
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}
