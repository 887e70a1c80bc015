package provider

import (
	"context"
	"net/http"

	"github.com/John-Robertt/RTMeter/internal/domain"
)

// Provider 把“站点变化”限制在 provider 包内部；核心流程只依赖统一接口与稳定的 Record。
//
// 约束：
// - Fetch 不做缓存、不做重试、不做限速（这些由核心 http/cache 层统一实现）
// - Parse 必须是纯函数：相同输入 => 相同输出
type Provider interface {
	Name() string
	Fetch(ctx context.Context, title domain.Title, c *http.Client) (html []byte, err error)
	Parse(title domain.Title, html []byte) (domain.Record, error)
}
