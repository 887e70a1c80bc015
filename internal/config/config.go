package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 rtmeter.json。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// DefaultConcurrency 是抓取并发的内置默认值（当配置未指定时）。
	DefaultConcurrency = 10
	// DefaultCutoffYear 是年份截止线的内置默认值：只保留 startYear 更大的标题。
	DefaultCutoffYear = 2000
	// DefaultLanguage 是 akas 数据集的语言过滤默认值。
	DefaultLanguage = "en"

	// 两个数据集的默认地址（IMDb 官方导出）。
	DefaultBasicsURL = "https://datasets.imdbws.com/title.basics.tsv.gz"
	DefaultAkasURL   = "https://datasets.imdbws.com/title.akas.tsv.gz"
)

// CLIArgs 只包含 CLI 暴露的三项入口（path/limit/concurrency），并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --limit=0 必须能覆盖 config.limit=100。
type CLIArgs struct {
	Path string

	Limit    int
	LimitSet bool

	Concurrency    int
	ConcurrencySet bool
}

// FileConfig 对应 rtmeter.json 的解析结构。
type FileConfig struct {
	Path        string       `json:"path"`
	Concurrency int          `json:"concurrency"`
	CutoffYear  *int         `json:"cutoff_year"`
	Language    string       `json:"language"`
	Limit       int          `json:"limit"`
	BaseURL     string       `json:"base_url"`
	BasicsURL   string       `json:"basics_url"`
	AkasURL     string       `json:"akas_url"`
	Proxy       *ProxyConfig `json:"proxy"`
	NoCache     bool         `json:"no_cache"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path string

	Concurrency int
	CutoffYear  int
	Language    string
	Limit       int // 0 = 不截断

	// BaseURL 允许把评分站切到可用镜像（或测试服务器）。
	// 该字段属于高级能力，仅通过 rtmeter.json 配置，不暴露 CLI 参数。
	BaseURL string

	// BasicsURL / AkasURL 覆盖两个数据集地址（同上，仅配置文件）。
	BasicsURL string
	AkasURL   string

	ProxyURL string
	NoCache  bool
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按文档约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 path：尝试读取 <path>/rtmeter.json（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/rtmeter.json（必选），且其中必须包含 path
//
// 覆盖优先级（固定）：
// - path：CLI path > config path
// - limit：CLI --limit > config > 默认 0（不截断）
// - concurrency：CLI --concurrency > config > 默认 10
// - 其他字段：仅由 config 控制（CLI 不暴露）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)

	if strings.TrimSpace(cli.Path) != "" {
		// CLI 给了 path：配置文件可选，位置固定在 <path>/rtmeter.json。
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath = filepath.Join(absPath, "rtmeter.json")

		var exists bool
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		_ = exists // 不存在也不报错

		return merge(absPath, cli, fc, cfgPath)
	}

	// CLI 没给 path：必须读取 <cwd>/rtmeter.json，且其中必须包含 path。
	cfgPath = filepath.Join(cwdAbs, "rtmeter.json")
	var exists bool
	fc, exists, err = readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(absPath, cli, fc, cfgPath)
}

func merge(absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	// concurrency：CLI > config > 默认；范围约定 [1, 32]，超出截断。
	concurrency := fc.Concurrency
	if cli.ConcurrencySet {
		concurrency = cli.Concurrency
	}
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	// limit：CLI > config > 默认 0（不截断）。
	limit := fc.Limit
	if cli.LimitSet {
		limit = cli.Limit
	}
	if limit < 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("limit 不能为负：%d", limit)}
	}

	// cutoff_year：显式 0 合法（等于不设年份下限），未指定才落默认。
	cutoff := DefaultCutoffYear
	if fc.CutoffYear != nil {
		cutoff = *fc.CutoffYear
	}
	if cutoff < 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("cutoff_year 不能为负：%d", cutoff)}
	}

	language := strings.TrimSpace(fc.Language)
	if language == "" {
		language = DefaultLanguage
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("proxy.url 无效：%w", err)}
		}
	}

	baseURL, err := optionalSiteURL("base_url", fc.BaseURL)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	basicsURL, err := optionalSiteURL("basics_url", fc.BasicsURL)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	akasURL, err := optionalSiteURL("akas_url", fc.AkasURL)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if basicsURL == "" {
		basicsURL = DefaultBasicsURL
	}
	if akasURL == "" {
		akasURL = DefaultAkasURL
	}

	return EffectiveConfig{
		Path:        absPath,
		Concurrency: concurrency,
		CutoffYear:  cutoff,
		Language:    language,
		Limit:       limit,
		BaseURL:     baseURL,
		BasicsURL:   basicsURL,
		AkasURL:     akasURL,
		ProxyURL:    proxyURL,
		NoCache:     fc.NoCache,
	}, nil
}

// optionalSiteURL 校验可选的站点/数据集地址：留空合法，非空必须是 http/https。
func optionalSiteURL(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%s 无效：%q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s 必须是 http/https：%q", field, raw)
	}
	return raw, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
