package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"avitohunter/internal/model"
)

const (
	sheetName  = "Sheet1"
	siteRoot   = "https://www.avito.ru"
	timeLayout = "2006-01-02 15:04:05"
)

var headerRow = []interface{}{"ID", "Название", "Цена", "Адрес", "Продавец", "Ссылка", "Опубликовано", "Продвинуто", "Описание", "Тип занятости", "Опыт"}

// Workbook 把每批结果追加到一个 xlsx 文件末尾。
type Workbook struct {
	path string
	mu   sync.Mutex
}

// NewWorkbook 根据白名单关键词决定文件名：小写后用 "-" 连接，没有关键词时为 all.xlsx。
func NewWorkbook(dir string, keywords []string) *Workbook {
	return &Workbook{path: filepath.Join(dir, FileTitle(keywords)+".xlsx")}
}

// FileTitle 返回结果文件的基础名。
func FileTitle(keywords []string) string {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			parts = append(parts, k)
		}
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, "-")
}

// Path 返回文件路径。
func (w *Workbook) Path() string {
	return w.path
}

// Name 实现结果输出接口。
func (w *Workbook) Name() string {
	return "xlsx"
}

// Write 追加一批记录，文件不存在时创建并写表头。
func (w *Workbook) Write(_ context.Context, listings []model.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	next := len(rows) + 1
	if next == 1 {
		if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		next = 2
	}

	for _, l := range listings {
		cell, err := excelize.CoordinatesToCellName(1, next)
		if err != nil {
			return err
		}
		row := toRow(l)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", next, err)
		}
		next++
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := f.SaveAs(w.path); err != nil {
		return fmt.Errorf("save %s: %w", w.path, err)
	}
	return nil
}

func (w *Workbook) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(w.path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", w.path, err)
	}
	return excelize.NewFile(), nil
}

func toRow(l model.Listing) []interface{} {
	published := ""
	if !l.PublishedAt.IsZero() {
		published = l.PublishedAt.UTC().Format(timeLayout)
	}
	promoted := "нет"
	if l.IsPromoted {
		promoted = "да"
	}
	seller := l.SellerURL
	if strings.HasPrefix(seller, "/") {
		seller = siteRoot + seller
	}
	return []interface{}{
		l.ID,
		l.Title,
		l.Price,
		l.Location,
		seller,
		siteRoot + l.URLPath,
		published,
		promoted,
		l.DetailedDescription,
		l.EmploymentType,
		l.ExperienceLevel,
	}
}
