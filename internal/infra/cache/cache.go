package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/RTMeter/internal/infra/fsx"
)

// Store 提供 <path>/cache/ 下的文件缓存读写（详情页 HTML + 解析后的 Record JSON）。
//
// 约束：
// - no_cache：读写都关闭（Disabled=true），每次 run 全量走网络
// - 缓存键是标题 slug；slug 与标题一一对应，因此同名标题命中同一份缓存
type Store struct {
	Root     string // <path>（运行根目录）
	Disabled bool
}

var ErrDisabled = errors.New("cache: disabled")

func New(root string, disabled bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		Disabled: disabled,
	}
}

// PagePath 返回详情页 HTML 缓存的绝对路径。
func (s Store) PagePath(slug string) (string, error) {
	k, err := cleanSlug(slug)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "pages", k+".html"), nil
}

// RecordPath 返回解析结果 JSON 缓存的绝对路径。
func (s Store) RecordPath(slug string) (string, error) {
	k, err := cleanSlug(slug)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "records", k+".json"), nil
}

func (s Store) ReadPage(slug string) ([]byte, bool, error) {
	if s.Disabled {
		return nil, false, nil
	}
	path, err := s.PagePath(slug)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) ReadRecord(slug string) ([]byte, bool, error) {
	if s.Disabled {
		return nil, false, nil
	}
	path, err := s.RecordPath(slug)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) WritePage(slug string, html []byte) error {
	if s.Disabled {
		return ErrDisabled
	}
	k, err := cleanSlug(slug)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.Root, "cache", "pages")
	return fsx.WriteFileAtomicReplace(dir, k+".html", html)
}

func (s Store) WriteRecord(slug string, json []byte) error {
	if s.Disabled {
		return ErrDisabled
	}
	k, err := cleanSlug(slug)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.Root, "cache", "records")
	return fsx.WriteFileAtomicReplace(dir, k+".json", json)
}

func readFile(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// cleanSlug 做最小的路径安全校验：拒绝空值与可能穿越目录的 slug。
// 校验失败的标题只是拿不到缓存（上层静默走网络），不影响抓取本身。
func cleanSlug(slug string) (string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", fmt.Errorf("slug 不能为空")
	}
	if strings.ContainsAny(slug, "/\\\x00") || slug == "." || slug == ".." {
		return "", fmt.Errorf("非法 slug：%q", slug)
	}
	return slug, nil
}
