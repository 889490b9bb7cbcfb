package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ContentionConfig 并发创建探测配置
type ContentionConfig struct {
	BaseURL           string
	UserID            string
	EngineSecret      string
	ConcurrentClients int
	Timeout           time.Duration
	// Body 创建请求体（dashboard POST /sessions）
	Body json.RawMessage
	// EndWinner 探测结束后通过引擎接口结束获胜的会话，释放槽位
	EndWinner bool
}

// DefaultContentionConfig 返回默认配置
func DefaultContentionConfig(baseURL, userID string, body json.RawMessage) *ContentionConfig {
	return &ContentionConfig{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		UserID:            userID,
		ConcurrentClients: 20,
		Timeout:           10 * time.Second,
		Body:              body,
		EndWinner:         true,
	}
}

// ContentionResult 探测结果
type ContentionResult struct {
	TotalRequests int64
	Duration      time.Duration
	WinnerID      string

	// 延迟指标 (毫秒)
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P95Latency float64
	P99Latency float64

	StatusCodes  map[int]int64
	ErrorsByType map[string]int64
}

// Exclusive 恰好一个创建成功，其余全部因槽位被占用而冲突
func (r *ContentionResult) Exclusive() bool {
	created := r.StatusCodes[http.StatusCreated]
	conflicts := r.StatusCodes[http.StatusConflict]
	return created == 1 && conflicts == r.TotalRequests-1
}

// ContentionProbe 同时发起多个创建请求，验证全局槽位的互斥性
type ContentionProbe struct {
	config *ContentionConfig
	client *http.Client

	totalRequests atomic.Int64

	mu          sync.Mutex
	latencies   []time.Duration
	statusCodes map[int]int64
	errorCounts map[string]int64
	winnerID    string
}

// NewContentionProbe 创建探测器
func NewContentionProbe(config *ContentionConfig) *ContentionProbe {
	return &ContentionProbe{
		config:      config,
		client:      &http.Client{Timeout: config.Timeout},
		statusCodes: make(map[int]int64),
		errorCounts: make(map[string]int64),
	}
}

// Run 执行探测
func (p *ContentionProbe) Run(ctx context.Context) (*ContentionResult, error) {
	if err := p.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("starting contention probe", "clients", p.config.ConcurrentClients, "base_url", p.config.BaseURL)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < p.config.ConcurrentClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p.executeCreate(ctx)
		}()
	}

	began := time.Now()
	close(start)
	wg.Wait()
	result := p.generateResult(time.Since(began))

	if p.config.EndWinner && result.WinnerID != "" {
		if err := p.endSession(ctx, result.WinnerID); err != nil {
			return result, fmt.Errorf("end winning session %s: %w", result.WinnerID, err)
		}
	}
	return result, nil
}

func (p *ContentionProbe) validateConfig() error {
	if p.config.BaseURL == "" {
		return errors.New("base url is required")
	}
	if p.config.UserID == "" {
		return errors.New("user id is required")
	}
	if p.config.ConcurrentClients < 2 {
		return errors.New("at least two concurrent clients are required")
	}
	if len(p.config.Body) == 0 {
		return errors.New("create request body is required")
	}
	return nil
}

// executeCreate 发起一次创建请求并记录结果
func (p *ContentionProbe) executeCreate(ctx context.Context) {
	began := time.Now()
	p.totalRequests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/v1/dashboard/sessions", bytes.NewReader(p.config.Body))
	if err != nil {
		p.recordError(fmt.Errorf("create request failed: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", p.config.UserID)

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordError(err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordError(fmt.Errorf("read response failed: %w", err))
		return
	}
	latency := time.Since(began)

	var winner string
	if resp.StatusCode == http.StatusCreated {
		var envelope struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil {
			winner = envelope.Data.ID
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencies = append(p.latencies, latency)
	p.statusCodes[resp.StatusCode]++
	if winner != "" {
		p.winnerID = winner
	}
}

func (p *ContentionProbe) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCounts[classifyError(err)]++
}

// endSession 通过引擎接口结束会话
func (p *ContentionProbe) endSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/v1/engine/sessions/"+sessionID+"/end", nil)
	if err != nil {
		return err
	}
	if p.config.EngineSecret != "" {
		req.Header.Set("X-Engine-Secret", p.config.EngineSecret)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// generateResult 生成探测结果
func (p *ContentionProbe) generateResult(duration time.Duration) *ContentionResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := &ContentionResult{
		TotalRequests: p.totalRequests.Load(),
		Duration:      duration,
		WinnerID:      p.winnerID,
		StatusCodes:   make(map[int]int64, len(p.statusCodes)),
		ErrorsByType:  make(map[string]int64, len(p.errorCounts)),
	}
	for code, n := range p.statusCodes {
		result.StatusCodes[code] = n
	}
	for kind, n := range p.errorCounts {
		result.ErrorsByType[kind] = n
	}

	if len(p.latencies) > 0 {
		latencies := make([]time.Duration, len(p.latencies))
		copy(latencies, p.latencies)
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		result.MinLatency = millis(latencies[0])
		result.MaxLatency = millis(latencies[len(latencies)-1])
		result.P50Latency = millis(percentile(latencies, 0.50))
		result.P95Latency = millis(percentile(latencies, 0.95))
		result.P99Latency = millis(percentile(latencies, 0.99))

		var total time.Duration
		for _, lat := range latencies {
			total += lat
		}
		result.AvgLatency = millis(total) / float64(len(latencies))
	}
	return result
}

// percentile 已排序样本的百分位
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// classifyError 错误分类
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(err.Error(), "connection refused"):
		return "connection_refused"
	default:
		return "other"
	}
}
