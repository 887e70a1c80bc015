package rottentomatoes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/RTMeter/internal/domain"
	providerx "github.com/John-Robertt/RTMeter/internal/provider"
)

// Provider 实现评分站详情页的抓取与 HTML 解析。
//
// 约束：
// - 详情页 URL 由标题 slug 直接拼出：<base>/m/<slug>，不走站内搜索
// - Fetch/Parse 不做缓存/重试/限速（由上层统一控制）
// - Parse 必须是纯函数（只依赖输入 html）
type Provider struct {
	// BaseURL 允许指定可用域名/镜像（例如测试服务器），用于替换默认站点。
	// 为空时使用默认的 https://www.rottentomatoes.com。
	BaseURL string
}

func (Provider) Name() string { return "rottentomatoes" }

func (p Provider) baseURL() string {
	u := strings.TrimSpace(p.BaseURL)
	if u == "" {
		return "https://www.rottentomatoes.com"
	}
	return strings.TrimRight(u, "/")
}

// PageURL 返回标题的详情页地址。
func (p Provider) PageURL(title domain.Title) string {
	return p.baseURL() + "/m/" + url.PathEscape(domain.Slug(title.Name))
}

// Fetch 直接进入详情页。详情页必须返回 200，其余状态一律视为未收录。
func (p Provider) Fetch(ctx context.Context, title domain.Title, c *http.Client) ([]byte, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	if strings.TrimSpace(title.Name) == "" {
		return nil, errors.New("标题不能为空")
	}
	return fetchURL(ctx, c, p.PageURL(title))
}

// Parse 把详情页 HTML 解析为最小可用 Record。
//
// 字段规则：
// - 评分：audienceScore / criticsScore 槽位的首个元素文本；任一槽位不存在 =>
//   解析失败（空文本不算缺失，交给下游按记录跳过处理）
// - 类型：所有 dt 标签含 genre 的 category-wrap 组，组内链接文本合并去重
// - 年份：metadataProp 槽位按文档序找首个 4 位连续数字；找不到 => 留空
func (Provider) Parse(title domain.Title, html []byte) (domain.Record, error) {
	if strings.TrimSpace(title.Name) == "" {
		return domain.Record{}, errors.New("标题不能为空")
	}
	if len(html) == 0 {
		return domain.Record{}, errors.New("html 为空")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.Record{}, err
	}

	audience := doc.Find("[slot='audienceScore']").First()
	critics := doc.Find("[slot='criticsScore']").First()
	missing := make([]string, 0, 2)
	if audience.Length() == 0 {
		missing = append(missing, "audienceScore")
	}
	if critics.Length() == 0 {
		missing = append(missing, "criticsScore")
	}
	if len(missing) > 0 {
		return domain.Record{}, fmt.Errorf("评分槽位缺失：%s（疑似非详情页内容）", strings.Join(missing, ", "))
	}

	return domain.Record{
		Genres:      collectGenres(doc),
		Year:        findYear(doc),
		AudienceRaw: normSpace(audience.Text()),
		CriticRaw:   normSpace(critics.Text()),
	}, nil
}

var yearRe = regexp.MustCompile(`\d{4}`)

// collectGenres 收集类型标签。
// 详情页把分类信息按 div.category-wrap 分组：dt 是组标签，链接是组成员。
// 多个组都可能命中（大小写不敏感的包含匹配），按文档序合并去重；没有命中组不是错误。
func collectGenres(doc *goquery.Document) []string {
	out := make([]string, 0, 4)
	doc.Find("div.category-wrap").Each(func(_ int, s *goquery.Selection) {
		label := strings.ToLower(normSpace(s.Find("dt").First().Text()))
		if !strings.Contains(label, "genre") {
			return
		}
		s.Find("a, rt-link").Each(func(_ int, a *goquery.Selection) {
			out = append(out, strings.TrimSpace(a.Text()))
		})
	})
	return normList(out)
}

func findYear(doc *goquery.Document) string {
	year := ""
	doc.Find("[slot='metadataProp']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := yearRe.FindString(s.Text()); m != "" {
			year = m
			return false
		}
		return true
	})
	return year
}

func fetchURL(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &providerx.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	return b, nil
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

func normList(in []string) []string {
	m := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := m[s]; ok {
			continue
		}
		m[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
