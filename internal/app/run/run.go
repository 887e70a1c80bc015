package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/RTMeter/internal/aggregate"
	"github.com/John-Robertt/RTMeter/internal/catalog"
	"github.com/John-Robertt/RTMeter/internal/config"
	"github.com/John-Robertt/RTMeter/internal/domain"
	"github.com/John-Robertt/RTMeter/internal/infra/cache"
	"github.com/John-Robertt/RTMeter/internal/infra/fsx"
	"github.com/John-Robertt/RTMeter/internal/infra/httpx"
	"github.com/John-Robertt/RTMeter/internal/provider"
	"github.com/John-Robertt/RTMeter/internal/table"
)

// Execute 执行一次 run（数据集 -> 目录 -> 抓取 -> 聚合 -> 产物），返回对外稳定的 RunReport。
// 单个标题的失败会被“降级”为计数（丢弃策略）；只有数据集/配置类错误才是致命的。
func Execute(ctx context.Context, eff config.EffectiveConfig, prov provider.Provider) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, prov, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, prov provider.Provider, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		Path:      eff.Path,
		StartedAt: started,
	}
	fatal := func(code string, err error) domain.RunReport {
		rr.ErrorCode = code
		rr.ErrorMsg = err.Error()
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	pageClient, err := httpx.NewPageClient(eff.ProxyURL)
	if err != nil {
		return fatal(domain.ErrCodeConfigInvalid, fmt.Errorf("proxy.url 无效：%w", err))
	}
	datasetClient, err := httpx.NewDatasetClient(eff.ProxyURL)
	if err != nil {
		return fatal(domain.ErrCodeConfigInvalid, fmt.Errorf("proxy.url 无效：%w", err))
	}

	store := cache.New(eff.Path, eff.NoCache)

	// 数据集阶段：先 akas（语言命中集），再 basics（过滤 + 去重）。
	// 两个流顺序打开顺序消费，避免长时间挂着两条下载连接。
	akasStarted := time.Now()
	keep, err := fetchLanguageSet(ctx, datasetClient, eff.AkasURL, eff.Language)
	if err != nil {
		return fatal(datasetErrCode(err), fmt.Errorf("加载 akas 数据集失败：%w", err))
	}
	if obs != nil {
		obs.OnPhaseDone("akas", map[string]any{
			"title_ids": len(keep),
		}, time.Since(akasStarted))
	}

	basicsStarted := time.Now()
	titles, err := fetchTitles(ctx, datasetClient, eff.BasicsURL, keep, eff.CutoffYear)
	if err != nil {
		return fatal(datasetErrCode(err), fmt.Errorf("加载 basics 数据集失败：%w", err))
	}
	matched := len(titles)
	if eff.Limit > 0 && len(titles) > eff.Limit {
		titles = titles[:eff.Limit]
	}
	rr.Titles = len(titles)
	if obs != nil {
		obs.OnPhaseDone("catalog", map[string]any{
			"matched": matched,
			"titles":  len(titles),
		}, time.Since(basicsStarted))
	}

	// 目录快照先落盘：即使后续抓取全部失败，本次匹配结果也可追溯。
	b, err := table.EncodeTitles(titles)
	if err != nil {
		return fatal(domain.ErrCodeIOFailed, fmt.Errorf("编码 movies.csv 失败：%w", err))
	}
	outDir := filepath.Join(eff.Path, "out")
	if err := fsx.WriteFileAtomicReplace(outDir, "movies.csv", b); err != nil {
		return fatal(artifactErrCode(err), fmt.Errorf("写入 movies.csv 失败：%w", err))
	}

	// 抓取阶段：按标题并发（worker pool），完成序回收。
	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("harvest", map[string]any{
			"workers":      workers,
			"total_titles": len(titles),
		}, 0)
	}

	type harvestResult struct {
		title domain.Title
		res   TitleResult
		dur   time.Duration
	}

	jobs := make(chan domain.Title)
	results := make(chan harvestResult, len(titles))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tl := range jobs {
				oneStarted := time.Now()
				r := harvestOne(ctx, prov, tl, pageClient, store)
				results <- harvestResult{
					title: tl,
					res:   r,
					dur:   time.Since(oneStarted),
				}
			}
		}()
	}

	go func() {
		for _, tl := range titles {
			jobs <- tl
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// 折叠点：results 的唯一消费者，也是 accumulator 的唯一写者。
	acc := domain.NewAccumulator()
	failures := make(map[string]int, 8)
	done := 0
	for hr := range results {
		done++
		switch hr.res.Status {
		case domain.StatusHarvested:
			rr.Summary.Harvested++
			rr.Tuples += len(hr.res.Tuples)
			acc.Fold(hr.res.Tuples)
		case domain.StatusSkipped:
			rr.Summary.Skipped++
		default:
			failures[hr.res.ErrorCode]++
		}
		if obs != nil {
			obs.OnTitleDone(done, len(titles), hr.title, hr.res, hr.dur)
		}
	}
	rr.Failures = failures
	rr.Genres = len(acc)

	// 聚合阶段：展平 + 汇总 + 两张产物表。
	aggStarted := time.Now()
	rows := aggregate.Flatten(acc)
	groups := aggregate.Summarize(rows)

	rawB, err := table.EncodeRaw(rows)
	if err != nil {
		return fatal(domain.ErrCodeIOFailed, fmt.Errorf("编码明细表失败：%w", err))
	}
	if err := fsx.WriteFileAtomicReplace(outDir, "rottentomatoes_scraped.csv", rawB); err != nil {
		return fatal(artifactErrCode(err), fmt.Errorf("写入明细表失败：%w", err))
	}
	sumB, err := table.EncodeSummary(groups)
	if err != nil {
		return fatal(domain.ErrCodeIOFailed, fmt.Errorf("编码汇总表失败：%w", err))
	}
	if err := fsx.WriteFileAtomicReplace(outDir, "genre_year_summary.csv", sumB); err != nil {
		return fatal(artifactErrCode(err), fmt.Errorf("写入汇总表失败：%w", err))
	}
	if obs != nil {
		obs.OnPhaseDone("aggregate", map[string]any{
			"rows":   len(rows),
			"groups": len(groups),
		}, time.Since(aggStarted))
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

func fetchLanguageSet(ctx context.Context, c *http.Client, url, language string) (map[string]struct{}, error) {
	rc, err := catalog.FetchTSV(ctx, c, url)
	if err != nil {
		return nil, err
	}
	keep, err := catalog.LanguageTitleIDs(rc, language)
	_ = rc.Close()
	return keep, err
}

func fetchTitles(ctx context.Context, c *http.Client, url string, keep map[string]struct{}, cutoffYear int) ([]domain.Title, error) {
	rc, err := catalog.FetchTSV(ctx, c, url)
	if err != nil {
		return nil, err
	}
	titles, err := catalog.Titles(rc, keep, cutoffYear)
	_ = rc.Close()
	return titles, err
}

// harvestOne 处理单个标题：缓存命中则复用，否则抓取 + 解析，最后展开为观测元组。
// 所有失败都收敛为 TitleResult（不向上抛错）。
func harvestOne(ctx context.Context, prov provider.Provider, title domain.Title, c *http.Client, store cache.Store) TitleResult {
	slug := domain.Slug(title.Name)

	// 1) 记录缓存：上次解析结果直接复用，不打网络。
	if b, ok, err := store.ReadRecord(slug); err == nil && ok {
		var rec domain.Record
		if e := json.Unmarshal(b, &rec); e == nil {
			return resultFromRecord(rec, true)
		}
		// 坏缓存：忽略，走后续路径（成功后写回新缓存）。
	}

	// 2) 页面缓存：只重新解析，不打网络。解析失败则当缓存失效，走网络重抓。
	if b, ok, err := store.ReadPage(slug); err == nil && ok {
		if rec, perr := prov.Parse(title, b); perr == nil {
			writeRecordCache(store, slug, rec)
			return resultFromRecord(rec, true)
		}
	}

	// 3) 网络抓取 + 解析。
	rec, html, err := provider.FetchParse(ctx, prov, title, c)
	if err != nil {
		return failedResult(err)
	}
	_ = store.WritePage(slug, html)
	writeRecordCache(store, slug, rec)
	return resultFromRecord(rec, false)
}

func writeRecordCache(store cache.Store, slug string, rec domain.Record) {
	if b, err := json.Marshal(rec); err == nil {
		_ = store.WriteRecord(slug, b)
	}
}

func resultFromRecord(rec domain.Record, fromCache bool) TitleResult {
	tuples, ok := rec.Tuples()
	if !ok {
		return TitleResult{
			Status:    domain.StatusSkipped,
			ErrorCode: domain.ErrCodeRecordSkipped,
			ErrorMsg:  fmt.Sprintf("评分文本不可用（audience=%q critic=%q），整条记录跳过", rec.AudienceRaw, rec.CriticRaw),
			FromCache: fromCache,
		}
	}
	return TitleResult{
		Status:    domain.StatusHarvested,
		Tuples:    tuples,
		FromCache: fromCache,
	}
}

func failedResult(err error) TitleResult {
	res := TitleResult{Status: domain.StatusFailed}

	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Stage {
		case "fetch":
			res.ErrorCode = classifyFetchError(pe.Err)
			res.ErrorMsg = humanizeFetchError(pe.Provider, pe.Err)
		case "parse":
			res.ErrorCode = domain.ErrCodeMissingFields
			res.ErrorMsg = humanizeParseError(pe.Provider, pe.Err)
		default:
			res.ErrorCode = domain.ErrCodeTransport
			res.ErrorMsg = fmt.Sprintf("%s 失败：%v", pe.Provider, pe.Err)
		}
		return res
	}

	res.ErrorCode = domain.ErrCodeTransport
	res.ErrorMsg = err.Error()
	return res
}

// classifyFetchError 把抓取失败归入固定的三类：not_found / timeout / transport。
func classifyFetchError(err error) string {
	var hs *provider.HTTPStatusError
	if errors.As(err, &hs) {
		return domain.ErrCodeNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ErrCodeTimeout
	}
	return domain.ErrCodeTransport
}

func datasetErrCode(err error) string {
	if catalog.IsSchema(err) {
		return domain.ErrCodeDatasetSchema
	}
	return domain.ErrCodeIOFailed
}

func artifactErrCode(err error) string {
	if fsx.IsPathTypeConflict(err) {
		return domain.ErrCodeTargetConflict
	}
	return domain.ErrCodeIOFailed
}

func humanizeFetchError(providerName string, err error) string {
	if err == nil {
		return providerName + " 抓取失败"
	}

	// HTTP 非 200：尽量给出可操作提示（限流与未收录是最常见问题）。
	var hs *provider.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("%s 返回 HTTP %d（可能触发反爬/限流）。建议降低并发或配置 proxy.url。", providerName, hs.StatusCode)
		case 404:
			return fmt.Sprintf("%s 返回 HTTP 404（站点未收录该标题，或 slug 与站点路径不一致）。", providerName)
		default:
			loc := strings.TrimSpace(hs.Location)
			if loc != "" {
				return fmt.Sprintf("%s 返回 HTTP %d（重定向）：%s", providerName, hs.StatusCode, loc)
			}
			return fmt.Sprintf("%s 返回 HTTP %d。", providerName, hs.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return fmt.Sprintf("%s 抓取超时。建议检查网络/代理，或降低并发后重试。", providerName)
	}
	if strings.Contains(low, "tls") || strings.Contains(low, "handshake") || strings.Contains(low, "ssl") {
		return fmt.Sprintf("%s 连接失败（TLS/SSL）。可在 rtmeter.json 设置 base_url 指向可用镜像，或配置 proxy.url。", providerName)
	}

	return fmt.Sprintf("%s 抓取失败：%v", providerName, err)
}

func humanizeParseError(providerName string, err error) string {
	if err == nil {
		return providerName + " 解析失败"
	}
	// 解析失败通常意味着站点结构漂移或被返回了非预期页面（例如拦截页/空内容）。
	return fmt.Sprintf("%s 解析失败（站点结构可能变化或返回了非详情页内容）：%v", providerName, err)
}
