package domain

import (
	"strings"
)

// Title 是基准目录（join + 过滤 + 去重）产出的电影条目。
//
// 约束：Name 一旦进入 harvest 不再变更；去重以 Name 原文为准。
type Title struct {
	ID   string // 数据集内的标题标识（如 tt0111161）
	Name string // primaryTitle 原文，去重键
	Year int    // startYear；缺失/非数字为 0
}

// Slug 把标题转换为详情页的 lookup key：连续空白折叠为单个 '_'。
// 大小写与标点保持原样；key 与标题一一对应（不做“聪明”归一化）。
func Slug(name string) string {
	return strings.Join(strings.Fields(name), "_")
}
