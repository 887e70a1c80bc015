package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/RTMeter/internal/app/run"
	"github.com/John-Robertt/RTMeter/internal/config"
	"github.com/John-Robertt/RTMeter/internal/domain"
	"github.com/John-Robertt/RTMeter/internal/infra/fsx"
	"github.com/John-Robertt/RTMeter/internal/provider/rottentomatoes"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:           ra.Path,
		Limit:          ra.Limit,
		LimitSet:       ra.LimitSet,
		Concurrency:    ra.Concurrency,
		ConcurrencySet: ra.ConcurrencySet,
	})
	if err != nil {
		rr := reportForConfigError(cwdAbs, err)
		emitReport(rr)
		return 1
	}

	prov := rottentomatoes.Provider{BaseURL: eff.BaseURL}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(context.Background(), eff, prov, obs)

	// report.json 跟随 <path>/cache 落盘；no_cache 模式下不得创建 cache/。
	if !eff.NoCache {
		if err := writeReportFile(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	// 单个标题的失败只进计数，不影响退出码；数据集/配置类错误才视为运行失败。
	if rr.ErrorCode != "" {
		return 1
	}
	return 0
}

type runArgs struct {
	Path string

	Limit    int
	LimitSet bool

	Concurrency    int
	ConcurrencySet bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--limit":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--limit 需要一个值")
			}
			i++
			n, err := parseIntArg("--limit", args[i])
			if err != nil {
				return runArgs{}, err
			}
			ra.Limit = n
			ra.LimitSet = true
		case strings.HasPrefix(a, "--limit="):
			n, err := parseIntArg("--limit", strings.TrimPrefix(a, "--limit="))
			if err != nil {
				return runArgs{}, err
			}
			ra.Limit = n
			ra.LimitSet = true
		case a == "--concurrency":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--concurrency 需要一个值")
			}
			i++
			n, err := parseIntArg("--concurrency", args[i])
			if err != nil {
				return runArgs{}, err
			}
			ra.Concurrency = n
			ra.ConcurrencySet = true
		case strings.HasPrefix(a, "--concurrency="):
			n, err := parseIntArg("--concurrency", strings.TrimPrefix(a, "--concurrency="))
			if err != nil {
				return runArgs{}, err
			}
			ra.Concurrency = n
			ra.ConcurrencySet = true
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}

	return ra, nil
}

func parseIntArg(flag, v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s 需要一个整数，实际是 %q", flag, v)
	}
	return n, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  rtmeter run [path] [--limit N] [--concurrency N]

命令：
  run    拉取数据集、抓取评分并生成 CSV 产物

使用 "rtmeter run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  rtmeter run [path] [--limit N] [--concurrency N]

参数：
  --limit        标题数量上限，0 表示全量（未指定则读配置文件）
  --concurrency  抓取并发数，范围 [1,32]（未指定则读配置文件；默认 10）
  -h, --help     显示帮助
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "完成：titles=%d harvested=%d skipped=%d failed=%d tuples=%d genres=%d\n",
			rr.Titles, rr.Summary.Harvested, rr.Summary.Skipped, rr.Summary.Failed, rr.Tuples, rr.Genres,
		)
		if rr.ErrorCode != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", rr.ErrorCode, rr.ErrorMsg)
		}
		for _, k := range sortedFailureKinds(rr.Failures) {
			fmt.Fprintf(os.Stderr, "失败 %s: %d\n", k, rr.Failures[k])
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：titles=%d harvested=%d skipped=%d failed=%d tuples=%d genres=%d\n",
		rr.Titles, rr.Summary.Harvested, rr.Summary.Skipped, rr.Summary.Failed, rr.Tuples, rr.Genres,
	)
	if rr.ErrorCode != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", rr.ErrorCode, rr.ErrorMsg)
	}
}

func sortedFailureKinds(m map[string]int) []string {
	if len(m) == 0 {
		return nil
	}
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func reportForConfigError(cwdAbs string, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		Path:       cwdAbs,
		StartedAt:  now,
		FinishedAt: now,
		ErrorCode:  config.Code(err),
		ErrorMsg:   err.Error(),
	}
	rr.Finalize()
	return rr
}

func writeReportFile(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Join(root, "cache"), "report.json", b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	// 完成后提示产物位置；只走进度 writer，不影响 stdout JSON 契约。
	if w == nil {
		return
	}
	if !eff.NoCache {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.Path, "cache", "report.json"))
	}
	fmt.Fprintf(w, "out: %s\n", filepath.Join(eff.Path, "out"))
}
