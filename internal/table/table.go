package table

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/John-Robertt/RTMeter/internal/aggregate"
	"github.com/John-Robertt/RTMeter/internal/domain"
)

// 三张产物表的编码器。
//
// 规则：
// - 编码是纯函数，落盘由上层用 fsx 原子写完成
// - 行序由调用方保证（展平/汇总阶段已排序），这里不再排序
// - 均值固定两位小数；原始行的 0 年份哨兵按字面输出

// EncodeTitles 把标题目录编成单列 CSV（表头 Movie）。
func EncodeTitles(titles []domain.Title) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"Movie"})
	for _, t := range titles {
		w.Write([]string{t.Name})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRaw 把展平后的观测行编成 CSV。
func EncodeRaw(rows []aggregate.RawRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"Year", "Audience Score", "Critic Score", "Genre"})
	for _, r := range rows {
		w.Write([]string{
			strconv.Itoa(r.Year),
			strconv.Itoa(r.Audience),
			strconv.Itoa(r.Critic),
			r.Genre,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeSummary 把 (genre, year) 均值编成 CSV。
func EncodeSummary(rows []aggregate.SummaryRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"Genre", "Year", "Audience Score", "Critic Score"})
	for _, r := range rows {
		w.Write([]string{
			r.Genre,
			strconv.Itoa(r.Year),
			strconv.FormatFloat(r.Audience, 'f', 2, 64),
			strconv.FormatFloat(r.Critic, 'f', 2, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
