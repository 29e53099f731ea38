package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// articleRows 文章表格（依顯示順序）
func articleRows(articles []types.Article, limit int) [][]string {
	if limit > 0 && len(articles) > limit {
		articles = articles[:limit]
	}
	rows := make([][]string, 0, len(articles))
	for i, a := range articles {
		score := "-"
		if a.RelevanceScore != nil {
			score = fmt.Sprintf("%.2f", *a.RelevanceScore)
		}
		mark := ""
		if a.Personalized {
			mark = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			string(a.ID),
			truncate(a.Title, 60),
			score,
			mark,
			strings.Join(a.Categories, ","),
		})
	}
	return rows
}

var articleHeaders = []string{"#", "ID", "Title", "Score", "Personalized", "Categories"}
var articleAligns = []columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft, alignLeft}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// progressView 顯示評分進度：終端機上是進度條，否則每 10% 印一行
type progressView struct {
	out  io.Writer
	bar  *progressbar.ProgressBar
	last int
}

func newProgressView(out io.Writer, persona types.PersonaIdentity) *progressView {
	v := &progressView{out: out, last: -1}
	if isTerminal(out) {
		v.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("scoring for "+persona.RecipientName),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}
	return v
}

func (v *progressView) update(p scoring.Progress) {
	percent := int(p.Percent)
	if v.bar != nil {
		_ = v.bar.Set(percent)
		return
	}
	if step := percent / 10; step > v.last {
		v.last = step
		fmt.Fprintf(v.out, "progress %3d%% (%d/%d scored)\n", percent, p.Processed, p.Total)
	}
}

func (v *progressView) finish() {
	if v.bar != nil {
		_ = v.bar.Finish()
	}
}
