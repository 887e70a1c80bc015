package domain

import (
	"strconv"
	"strings"
)

// Record 是 extractor 从一张详情页解析出的结构化结果（最小可用集）。
//
// 约束：
// - Genres 允许为空（该记录贡献 0 条观测，不是失败）
// - Year 是页面文本中的 4 位年份原文；缺失为 ""
// - 分数保留原始文本（可能带 '%'）；缺失为 ""；解析留给 Tuples
type Record struct {
	Genres      []string
	Year        string
	AudienceRaw string
	CriticRaw   string
}

// Tuple 是按 genre 展开后的单条观测（流入聚合的最小单元）。
type Tuple struct {
	Genre    string
	Year     string
	Audience int
	Critic   int
}

// ParseScore 把 "97%" / "97" 形式的分数文本解析为整数。
// 只接受 [0,100] 内的百分比；只剥离末尾一个 '%'。
func ParseScore(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}

// Tuples 把 Record 按 genre 展开为观测元组。
//
// 规则：
// - 双分齐备（非空且可解析）才展开；任一分值缺失或无法解析 => ok=false（整条记录跳过）
// - 跳过是记录级决定：不存在“只丢某个 genre”的情况
// - Genres 为空且双分齐备 => 空切片 + ok=true（合法的零输出）
func (r Record) Tuples() ([]Tuple, bool) {
	aud, okA := ParseScore(r.AudienceRaw)
	cri, okC := ParseScore(r.CriticRaw)
	if !okA || !okC {
		return nil, false
	}

	out := make([]Tuple, 0, len(r.Genres))
	for _, g := range r.Genres {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		out = append(out, Tuple{
			Genre:    g,
			Year:     r.Year,
			Audience: aud,
			Critic:   cri,
		})
	}
	return out, true
}

// Observation 是 accumulator 内某个 genre 桶里的一条观测。
type Observation struct {
	Year     string
	Audience int
	Critic   int
}

// Accumulator 按 genre 聚合观测。
//
// 不变量（实现必须遵守）：
// - 只允许单一 goroutine 写入（折叠点串行；任务之间只通过返回值通信）
// - 桶内 append-only；桶在首个观测到来时惰性创建
type Accumulator map[string][]Observation

func NewAccumulator() Accumulator {
	return make(Accumulator, 32)
}

// Fold 把一个任务产出的元组并入 accumulator。
func (a Accumulator) Fold(tuples []Tuple) {
	for _, t := range tuples {
		a[t.Genre] = append(a[t.Genre], Observation{
			Year:     t.Year,
			Audience: t.Audience,
			Critic:   t.Critic,
		})
	}
}

// Size 返回全部桶内的观测总数。
func (a Accumulator) Size() int {
	n := 0
	for _, obs := range a {
		n += len(obs)
	}
	return n
}
