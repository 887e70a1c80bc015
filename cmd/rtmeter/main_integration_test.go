package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/RTMeter/internal/domain"
)

const integAkasTSV = "titleId\tordering\ttitle\tregion\tlanguage\tattributes\tisOriginalTitle\n" +
	"tt0001\t1\tQuiet Road A\tUS\ten\t\\N\t0\n"

const integBasicsTSV = "tconst\ttitleType\tprimaryTitle\toriginalTitle\tisAdult\tstartYear\tendYear\truntimeMinutes\tgenres\n" +
	"tt0001\tmovie\tQuiet Road A\tQuiet Road A\t0\t2005\t\\N\t95\tDrama\n"

const integPage = `<html><body>
<media-scorecard>
  <rt-text slot="audienceScore">80%</rt-text>
  <rt-text slot="criticsScore">70%</rt-text>
</media-scorecard>
<rt-text slot="metadataProp">Released Mar 5, 2005, 1h 35m</rt-text>
<dl>
  <div class="category-wrap">
    <dt class="key"><rt-text>Genre</rt-text></dt>
    <dd><rt-link>Drama</rt-link></dd>
  </div>
</dl>
</body></html>`

func TestCLI_NoTTY_StdoutOnlyRunReportJSON(t *testing.T) {
	// 这个测试锁定对外契约：stdout 非 TTY 时只能输出一个 RunReport JSON（进度/配置必须走 stderr 或直接禁用）。
	root := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/title.akas.tsv.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipTSV(t, integAkasTSV))
	})
	mux.HandleFunc("/datasets/title.basics.tsv.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipTSV(t, integBasicsTSV))
	})
	mux.HandleFunc("/m/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(integPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := map[string]any{
		"path":       root,
		"base_url":   srv.URL,
		"basics_url": srv.URL + "/datasets/title.basics.tsv.gz",
		"akas_url":   srv.URL + "/datasets/title.akas.tsv.gz",
	}
	cb, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("编码配置失败：%v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "rtmeter.json"), cb, 0o644); err != nil {
		t.Fatalf("写入配置失败：%v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("读取 cwd 失败：%v", err)
	}
	repoRoot := filepath.Clean(filepath.Join(wd, "..", ".."))

	cmd := exec.Command("go", "run", "./cmd/rtmeter", "run", root)
	cmd.Dir = repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("命令执行失败：%v\nstderr=%s\nstdout=%s", err, stderr.String(), stdout.String())
	}

	// stdout 必须是单个 JSON。
	var rr domain.RunReport
	if err := json.Unmarshal(stdout.Bytes(), &rr); err != nil {
		t.Fatalf("stdout 不是合法的 RunReport JSON：%v\nstdout=%q", err, stdout.String())
	}
	if rr.ErrorCode != "" {
		t.Fatalf("期望运行成功，实际 error_code=%s（%s）", rr.ErrorCode, rr.ErrorMsg)
	}
	if rr.Titles != 1 || rr.Summary.Harvested != 1 {
		t.Fatalf("期望 titles=1 harvested=1，实际 titles=%d harvested=%d", rr.Titles, rr.Summary.Harvested)
	}
	// 进度/配置不应出现在 stdout。
	if strings.Contains(stdout.String(), "配置（生效）") || strings.Contains(stdout.String(), "进度:") {
		t.Fatalf("stdout 不应包含进度/配置输出：%q", stdout.String())
	}

	// stderr 至少应包含最终摘要行。
	if !strings.Contains(stderr.String(), "完成：titles=") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}

	// report.json 跟随缓存目录落盘。
	if _, err := os.Stat(filepath.Join(root, "cache", "report.json")); err != nil {
		t.Fatalf("期望写入 report.json，实际 %v", err)
	}
	for _, f := range []string{"movies.csv", "rottentomatoes_scraped.csv", "genre_year_summary.csv"} {
		if _, err := os.Stat(filepath.Join(root, "out", f)); err != nil {
			t.Fatalf("期望产物 %s 存在，实际 %v", f, err)
		}
	}
}

func gzipTSV(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatalf("gzip 写入失败：%v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip 关闭失败：%v", err)
	}
	return buf.Bytes()
}
