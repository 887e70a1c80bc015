package run

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/John-Robertt/RTMeter/internal/config"
	"github.com/John-Robertt/RTMeter/internal/provider/rottentomatoes"
)

const akasTSV = "titleId\tordering\ttitle\tregion\tlanguage\n" +
	"tt0001\t1\tQuiet Road A\tUS\ten\n" +
	"tt0002\t1\tMissing Movie B\tUS\ten\n"

const basicsTSV = "tconst\ttitleType\tprimaryTitle\toriginalTitle\tisAdult\tstartYear\n" +
	"tt0001\tmovie\tQuiet Road A\tQuiet Road A\t0\t2005\n" +
	"tt0002\tmovie\tMissing Movie B\tMissing Movie B\t0\t2010\n"

const pageA = `<html><body>
<rt-text slot="audienceScore">80%</rt-text>
<rt-text slot="criticsScore">70%</rt-text>
<rt-text slot="metadataProp">Released Mar 5, 2005, 1h 47m</rt-text>
<div class="category-wrap"><dt>Genre</dt><dd><rt-link>Drama</rt-link><rt-link>Comedy</rt-link></dd></div>
</body></html>`

// site 同时扮演数据集镜像与评分站（标题详情页按 slug 查表）。
type site struct {
	akasGz   []byte
	basicsGz []byte
	pages    map[string]string

	mu       sync.Mutex
	pageHits int
}

func newSite(t *testing.T, akas, basics string, pages map[string]string) (*site, *httptest.Server) {
	t.Helper()
	s := &site{
		akasGz:   gzipBytes(t, akas),
		basicsGz: gzipBytes(t, basics),
		pages:    pages,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/title.akas.tsv.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(s.akasGz)
	})
	mux.HandleFunc("/datasets/title.basics.tsv.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(s.basicsGz)
	})
	mux.HandleFunc("/m/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.pageHits++
		s.mu.Unlock()
		slug := strings.TrimPrefix(r.URL.Path, "/m/")
		if html, ok := s.pages[slug]; ok {
			io.WriteString(w, html)
			return
		}
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *site) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageHits
}

func gzipBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(body)); err != nil {
		t.Fatalf("写入 gzip 失败：%v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("关闭 gzip 失败：%v", err)
	}
	return buf.Bytes()
}

func testConfig(root, srvURL string) config.EffectiveConfig {
	return config.EffectiveConfig{
		Path:        root,
		Concurrency: 4,
		CutoffYear:  2000,
		Language:    "en",
		BaseURL:     srvURL,
		BasicsURL:   srvURL + "/datasets/title.basics.tsv.gz",
		AkasURL:     srvURL + "/datasets/title.akas.tsv.gz",
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 %q 失败：%v", path, err)
	}
	return string(b)
}

func TestExecute_TwoTitleExample(t *testing.T) {
	root := t.TempDir()
	_, srv := newSite(t, akasTSV, basicsTSV, map[string]string{
		"Quiet_Road_A": pageA,
		// Missing Movie B 故意缺页：404。
	})
	eff := testConfig(root, srv.URL)

	rr := Execute(context.Background(), eff, rottentomatoes.Provider{BaseURL: srv.URL})

	if rr.ErrorCode != "" {
		t.Fatalf("不期望致命错误：%s %s", rr.ErrorCode, rr.ErrorMsg)
	}
	if rr.Titles != 2 {
		t.Fatalf("期望 2 个标题进入抓取，实际 %d", rr.Titles)
	}
	if rr.Summary.Harvested != 1 || rr.Summary.Skipped != 0 || rr.Summary.Failed != 1 {
		t.Fatalf("summary 不符：%+v", rr.Summary)
	}
	if rr.Failures["not_found"] != 1 {
		t.Fatalf("期望 not_found=1，实际：%v", rr.Failures)
	}
	if rr.Tuples != 2 || rr.Genres != 2 {
		t.Fatalf("期望 tuples=2 genres=2，实际 tuples=%d genres=%d", rr.Tuples, rr.Genres)
	}

	wantMovies := "Movie\nQuiet Road A\nMissing Movie B\n"
	if got := readFile(t, filepath.Join(root, "out", "movies.csv")); got != wantMovies {
		t.Fatalf("movies.csv 不符：%q", got)
	}

	// 失败标题被丢弃：明细表恰好 2 行（每个 genre 一行），按 genre 字典序。
	wantRaw := "Year,Audience Score,Critic Score,Genre\n" +
		"2005,80,70,Comedy\n" +
		"2005,80,70,Drama\n"
	if got := readFile(t, filepath.Join(root, "out", "rottentomatoes_scraped.csv")); got != wantRaw {
		t.Fatalf("明细表不符：%q", got)
	}

	// 每组只有一条观测：均值等于观测本身。
	wantSummary := "Genre,Year,Audience Score,Critic Score\n" +
		"Comedy,2005,80.00,70.00\n" +
		"Drama,2005,80.00,70.00\n"
	if got := readFile(t, filepath.Join(root, "out", "genre_year_summary.csv")); got != wantSummary {
		t.Fatalf("汇总表不符：%q", got)
	}

	// 成功标题写入页面与记录缓存；失败标题不留缓存。
	if _, err := os.Stat(filepath.Join(root, "cache", "pages", "Quiet_Road_A.html")); err != nil {
		t.Fatalf("期望页面缓存存在：%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "records", "Quiet_Road_A.json")); err != nil {
		t.Fatalf("期望记录缓存存在：%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "pages", "Missing_Movie_B.html")); !os.IsNotExist(err) {
		t.Fatalf("失败标题不应有缓存，Stat err=%v", err)
	}
}

func TestExecute_SecondRunUsesCache(t *testing.T) {
	root := t.TempDir()
	s, srv := newSite(t, akasTSV, basicsTSV, map[string]string{"Quiet_Road_A": pageA})
	eff := testConfig(root, srv.URL)
	prov := rottentomatoes.Provider{BaseURL: srv.URL}

	first := Execute(context.Background(), eff, prov)
	if first.Summary.Harvested != 1 {
		t.Fatalf("首次 run 失败：%+v", first)
	}
	afterFirst := s.hits()

	second := Execute(context.Background(), eff, prov)
	if second.Summary.Harvested != 1 {
		t.Fatalf("二次 run 失败：%+v", second)
	}
	// tt0002 没有缓存，每次 run 都会重试；tt0001 必须命中记录缓存。
	if got := s.hits() - afterFirst; got != 1 {
		t.Fatalf("二次 run 只应重试失败标题（1 次页面请求），实际 %d 次", got)
	}
}

func TestExecute_NoCacheSkipsStore(t *testing.T) {
	root := t.TempDir()
	s, srv := newSite(t, akasTSV, basicsTSV, map[string]string{"Quiet_Road_A": pageA})
	eff := testConfig(root, srv.URL)
	eff.NoCache = true
	prov := rottentomatoes.Provider{BaseURL: srv.URL}

	_ = Execute(context.Background(), eff, prov)
	if _, err := os.Stat(filepath.Join(root, "cache")); !os.IsNotExist(err) {
		t.Fatalf("no_cache 不应创建 cache/，Stat err=%v", err)
	}
	afterFirst := s.hits()

	_ = Execute(context.Background(), eff, prov)
	if got := s.hits() - afterFirst; got != 2 {
		t.Fatalf("no_cache 时二次 run 应全量走网络（2 次页面请求），实际 %d 次", got)
	}
}

func TestExecute_EmptyScoreSkipsRecord(t *testing.T) {
	root := t.TempDir()
	pageEmpty := `<html><body>
<rt-text slot="audienceScore"></rt-text>
<rt-text slot="criticsScore">70%</rt-text>
<div class="category-wrap"><dt>Genre</dt><dd><rt-link>Drama</rt-link></dd></div>
</body></html>`
	akas := "titleId\tlanguage\ntt0001\ten\n"
	basics := "tconst\ttitleType\tprimaryTitle\tstartYear\ntt0001\tmovie\tQuiet Road A\t2005\n"
	_, srv := newSite(t, akas, basics, map[string]string{"Quiet_Road_A": pageEmpty})
	eff := testConfig(root, srv.URL)

	rr := Execute(context.Background(), eff, rottentomatoes.Provider{BaseURL: srv.URL})

	if rr.Summary.Skipped != 1 || rr.Summary.Harvested != 0 || rr.Summary.Failed != 0 {
		t.Fatalf("期望整条记录跳过：%+v", rr.Summary)
	}
	if rr.Tuples != 0 {
		t.Fatalf("跳过的记录不应产出元组，实际 %d", rr.Tuples)
	}
	got := readFile(t, filepath.Join(root, "out", "rottentomatoes_scraped.csv"))
	if got != "Year,Audience Score,Critic Score,Genre\n" {
		t.Fatalf("明细表应只有表头，实际：%q", got)
	}
}

func TestExecute_NonDetailPageCountsMissingFields(t *testing.T) {
	root := t.TempDir()
	// 200 但不是详情页（没有评分 slot），解析失败按 missing_fields 计。
	pageBare := `<html><body><h1>Quiet Road A</h1><p>Coming soon.</p></body></html>`
	akas := "titleId\tlanguage\ntt0001\ten\n"
	basics := "tconst\ttitleType\tprimaryTitle\tstartYear\ntt0001\tmovie\tQuiet Road A\t2005\n"
	_, srv := newSite(t, akas, basics, map[string]string{"Quiet_Road_A": pageBare})
	eff := testConfig(root, srv.URL)

	rr := Execute(context.Background(), eff, rottentomatoes.Provider{BaseURL: srv.URL})

	if rr.Summary.Failed != 1 || rr.Summary.Harvested != 0 || rr.Summary.Skipped != 0 {
		t.Fatalf("期望解析失败计入 failed：%+v", rr.Summary)
	}
	if rr.Failures["missing_fields"] != 1 {
		t.Fatalf("期望 missing_fields=1，实际：%v", rr.Failures)
	}
	if rr.Tuples != 0 {
		t.Fatalf("失败标题不应产出元组，实际 %d", rr.Tuples)
	}
	got := readFile(t, filepath.Join(root, "out", "rottentomatoes_scraped.csv"))
	if got != "Year,Audience Score,Critic Score,Genre\n" {
		t.Fatalf("明细表应只有表头，实际：%q", got)
	}
	// 解析失败不落页面缓存，下次 run 重抓。
	if _, err := os.Stat(filepath.Join(root, "cache", "pages", "Quiet_Road_A.html")); !os.IsNotExist(err) {
		t.Fatalf("解析失败不应写缓存，Stat err=%v", err)
	}
}

func TestExecute_LimitCapsTitles(t *testing.T) {
	root := t.TempDir()
	s, srv := newSite(t, akasTSV, basicsTSV, map[string]string{"Quiet_Road_A": pageA})
	eff := testConfig(root, srv.URL)
	eff.Limit = 1

	rr := Execute(context.Background(), eff, rottentomatoes.Provider{BaseURL: srv.URL})

	if rr.Titles != 1 {
		t.Fatalf("期望 limit 截断到 1，实际 %d", rr.Titles)
	}
	if got := readFile(t, filepath.Join(root, "out", "movies.csv")); got != "Movie\nQuiet Road A\n" {
		t.Fatalf("movies.csv 应只含截断后的标题：%q", got)
	}
	if s.hits() != 1 {
		t.Fatalf("期望只抓取 1 个标题，实际 %d 次页面请求", s.hits())
	}
}

func TestExecute_DatasetSchemaIsFatal(t *testing.T) {
	root := t.TempDir()
	badAkas := "titleId\tregion\ntt0001\tUS\n" // 缺 language 列
	_, srv := newSite(t, badAkas, basicsTSV, map[string]string{})
	eff := testConfig(root, srv.URL)

	rr := Execute(context.Background(), eff, rottentomatoes.Provider{BaseURL: srv.URL})

	if rr.ErrorCode != "dataset_schema" {
		t.Fatalf("期望 dataset_schema，实际：%q（%s）", rr.ErrorCode, rr.ErrorMsg)
	}
	if rr.Titles != 0 || rr.Summary.Harvested != 0 {
		t.Fatalf("致命错误后不应有抓取统计：%+v", rr)
	}
	if _, err := os.Stat(filepath.Join(root, "out", "movies.csv")); !os.IsNotExist(err) {
		t.Fatalf("致命错误后不应写产物，Stat err=%v", err)
	}
}
