package aggregate

import (
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/RTMeter/internal/domain"
)

// RawRow 是展平后的一条观测，对应输出表的一行。
type RawRow struct {
	Genre    string
	Year     int // 0 = 年份缺失/不可解析（哨兵桶）
	Audience int
	Critic   int
}

// SummaryRow 是 (genre, year) 分组的评分均值。
type SummaryRow struct {
	Genre    string
	Year     int
	Audience float64
	Critic   float64
}

// Flatten 把累加器展平成行。
//
// 规则：
// - 行序：genre 字典序，同 genre 内保持折叠时的输入顺序（稳定输出）
// - 年份在这一步才转 int：缺失/非数字 => 0 哨兵桶，不是错误
func Flatten(acc domain.Accumulator) []RawRow {
	genres := make([]string, 0, len(acc))
	for g := range acc {
		genres = append(genres, g)
	}
	sort.Strings(genres)

	rows := make([]RawRow, 0, acc.Size())
	for _, g := range genres {
		for _, ob := range acc[g] {
			rows = append(rows, RawRow{
				Genre:    g,
				Year:     yearInt(ob.Year),
				Audience: ob.Audience,
				Critic:   ob.Critic,
			})
		}
	}
	return rows
}

// Summarize 按 (genre, year) 求算术均值。
// 输出按 (genre, year) 排序；除此之外的顺序没有任何约定。
func Summarize(rows []RawRow) []SummaryRow {
	type key struct {
		genre string
		year  int
	}
	type totals struct {
		audience int
		critic   int
		n        int
	}

	agg := make(map[key]*totals, 64)
	for _, r := range rows {
		k := key{genre: r.Genre, year: r.Year}
		t := agg[k]
		if t == nil {
			t = &totals{}
			agg[k] = t
		}
		t.audience += r.Audience
		t.critic += r.Critic
		t.n++
	}

	out := make([]SummaryRow, 0, len(agg))
	for k, t := range agg {
		out = append(out, SummaryRow{
			Genre:    k.genre,
			Year:     k.year,
			Audience: float64(t.audience) / float64(t.n),
			Critic:   float64(t.critic) / float64(t.n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Genre != out[j].Genre {
			return out[i].Genre < out[j].Genre
		}
		return out[i].Year < out[j].Year
	})
	return out
}

func yearInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
