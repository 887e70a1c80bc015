package catalog

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/John-Robertt/RTMeter/internal/domain"
)

// SchemaError 表示数据集缺少必需列（表头不符合预期）。
// 数据集格式错误无法降级，上层应立即终止本次 run。
type SchemaError struct {
	Dataset string   // "basics" 或 "akas"
	Missing []string // 缺失的列名
}

func (e *SchemaError) Error() string {
	if e == nil {
		return "dataset schema error"
	}
	return fmt.Sprintf("%s 数据集缺少必需列：%s", e.Dataset, strings.Join(e.Missing, ", "))
}

func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Load 把两个数据集流装配成待抓取的标题目录。
//
// 规则（硬约束）：
// - 先扫 akas 建立语言命中集，再扫 basics 过滤；两个流各读一遍，不整表驻留
// - 保留条件：titleType == movie、标题 ID 在语言命中集内、startYear > cutoffYear
// - startYear 非数字（IMDb 用 \N 表示缺失）按 0 处理：0 > cutoff 恒为假，自然被排除
// - 同名标题只保留首次出现，输出顺序 = basics 行序
func Load(basics, akas io.Reader, language string, cutoffYear int) ([]domain.Title, error) {
	keep, err := LanguageTitleIDs(akas, language)
	if err != nil {
		return nil, err
	}
	return Titles(basics, keep, cutoffYear)
}

// LanguageTitleIDs 扫描 akas 数据集，返回指定语言出现过的标题 ID 集合。
func LanguageTitleIDs(akas io.Reader, language string) (map[string]struct{}, error) {
	language = strings.TrimSpace(language)
	if language == "" {
		return nil, errors.New("language 不能为空")
	}

	r := newTSVReader(akas)
	header, err := r.Read()
	if err != nil {
		return nil, headerError("akas", []string{"titleId", "language"}, err)
	}
	cols, missing := akasColumns(header)
	if len(missing) > 0 {
		return nil, &SchemaError{Dataset: "akas", Missing: missing}
	}

	ids := make(map[string]struct{}, 1024)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= cols.max {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(rec[cols.language]), language) {
			continue
		}
		id := strings.TrimSpace(rec[cols.titleID])
		if id == "" {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Titles 扫描 basics 数据集，应用保留条件并按标题名去重。
// keep 为 nil 时没有行能命中（nil map 查询恒为 miss），调用方必须先构建语言命中集。
func Titles(basics io.Reader, keep map[string]struct{}, cutoffYear int) ([]domain.Title, error) {
	r := newTSVReader(basics)
	header, err := r.Read()
	if err != nil {
		return nil, headerError("basics", []string{"tconst", "titleType", "primaryTitle", "startYear"}, err)
	}
	cols, missing := basicsColumns(header)
	if len(missing) > 0 {
		return nil, &SchemaError{Dataset: "basics", Missing: missing}
	}

	seen := make(map[string]struct{}, 1024)
	titles := make([]domain.Title, 0, 1024)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= cols.max {
			continue
		}
		if strings.TrimSpace(rec[cols.titleType]) != "movie" {
			continue
		}
		id := strings.TrimSpace(rec[cols.tconst])
		if id == "" {
			continue
		}
		if _, ok := keep[id]; !ok {
			continue
		}
		year := yearOf(rec[cols.startYear])
		if year <= cutoffYear {
			continue
		}
		name := strings.TrimSpace(rec[cols.primaryTitle])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		titles = append(titles, domain.Title{ID: id, Name: name, Year: year})
	}
	return titles, nil
}

// FetchTSV 拉取数据集并返回按行可读的 TSV 流，调用方负责 Close。
//
// 注意：数据集通常是 gzip 压缩的（.tsv.gz），但镜像可能直接提供解压后的文本。
// 这里按 gzip 魔数嗅探，两种形态都接受。
func FetchTSV(ctx context.Context, c *http.Client, u string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	u = strings.TrimSpace(u)
	if u == "" {
		return nil, errors.New("数据集 URL 不能为空")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("下载数据集失败：HTTP %d（%s）", resp.StatusCode, u)
	}

	br := bufio.NewReaderSize(resp.Body, 64*1024)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gerr := gzip.NewReader(br)
		if gerr != nil {
			resp.Body.Close()
			return nil, gerr
		}
		return &tsvBody{r: gz, gz: gz, body: resp.Body}, nil
	}
	// Peek 出错（如空 body）不在这里处理：交给 TSV 解析去报表头缺失。
	return &tsvBody{r: br, body: resp.Body}, nil
}

type tsvBody struct {
	r    io.Reader
	gz   *gzip.Reader // 数据集未压缩时为 nil
	body io.ReadCloser
}

func (b *tsvBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *tsvBody) Close() error {
	var gerr error
	if b.gz != nil {
		gerr = b.gz.Close()
	}
	berr := b.body.Close()
	if gerr != nil {
		return gerr
	}
	return berr
}

// newTSVReader 配置 TSV 用的 csv.Reader。
// IMDb 数据集不做引号转义，LazyQuotes 避免标题里的裸引号导致整行报错。
func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

type akasCols struct {
	titleID  int
	language int
	max      int
}

func akasColumns(header []string) (akasCols, []string) {
	c := akasCols{titleID: -1, language: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "titleId":
			c.titleID = i
		case "language":
			c.language = i
		}
	}
	missing := make([]string, 0, 2)
	if c.titleID < 0 {
		missing = append(missing, "titleId")
	}
	if c.language < 0 {
		missing = append(missing, "language")
	}
	c.max = max(c.titleID, c.language)
	return c, missing
}

type basicsCols struct {
	tconst       int
	titleType    int
	primaryTitle int
	startYear    int
	max          int
}

func basicsColumns(header []string) (basicsCols, []string) {
	c := basicsCols{tconst: -1, titleType: -1, primaryTitle: -1, startYear: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "tconst":
			c.tconst = i
		case "titleType":
			c.titleType = i
		case "primaryTitle":
			c.primaryTitle = i
		case "startYear":
			c.startYear = i
		}
	}
	missing := make([]string, 0, 4)
	if c.tconst < 0 {
		missing = append(missing, "tconst")
	}
	if c.titleType < 0 {
		missing = append(missing, "titleType")
	}
	if c.primaryTitle < 0 {
		missing = append(missing, "primaryTitle")
	}
	if c.startYear < 0 {
		missing = append(missing, "startYear")
	}
	c.max = max(c.tconst, c.titleType, c.primaryTitle, c.startYear)
	return c, missing
}

// headerError 把表头读取失败归一化：空数据集等价于所有必需列缺失。
func headerError(dataset string, want []string, err error) error {
	if err == io.EOF {
		return &SchemaError{Dataset: dataset, Missing: want}
	}
	return err
}

func yearOf(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
