package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/John-Robertt/RTMeter/internal/domain"
)

// FetchParse 对单个标题执行“抓取 -> 解析”。
//
// 返回值：
// - rec：成功解析的结构化记录
// - html：抓取到的原始 HTML（用于 cache；parse 失败时也返回，便于事后排查）
//
// 失败用 *Error 包装并标注阶段，上层据此归类计数（fetch 失败按网络/状态分类，
// parse 失败归为字段缺失）。
func FetchParse(ctx context.Context, p Provider, title domain.Title, c *http.Client) (rec domain.Record, html []byte, err error) {
	if p == nil {
		return domain.Record{}, nil, errors.New("provider 不能为空")
	}
	if strings.TrimSpace(title.Name) == "" {
		return domain.Record{}, nil, errors.New("标题不能为空")
	}

	html, ferr := p.Fetch(ctx, title, c)
	if ferr != nil {
		return domain.Record{}, nil, &Error{Provider: p.Name(), Stage: "fetch", Err: ferr}
	}

	rec, perr := p.Parse(title, html)
	if perr != nil {
		return domain.Record{}, html, &Error{Provider: p.Name(), Stage: "parse", Err: perr}
	}
	return rec, html, nil
}

// Error 是 provider 阶段的可追溯错误。
// 上层可以据此把失败归类为 not_found / timeout / transport / missing_fields，并写入 report。
type Error struct {
	Provider string // provider name（小写）
	Stage    string // "fetch" 或 "parse"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider=%s stage=%s: %v", e.Provider, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
