package opshttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"klinekeeper/internal/ingest"
	"klinekeeper/internal/market"

	"github.com/gin-gonic/gin"
)

type StatusProvider interface {
	Status() ingest.Status
}

type WatermarkReader interface {
	FindFirst(ctx context.Context, inst market.Instrument) (*market.Candle, error)
	FindLast(ctx context.Context, inst market.Instrument) (*market.Candle, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]market.BackfillRun, error)
	ListEvents(ctx context.Context, limit int) ([]market.IngestEvent, error)
}

type FeedStats interface {
	Stats() market.SourceStats
}

// Router 挂载 /api 下的采集查询接口。
type Router struct {
	status     StatusProvider
	watermarks WatermarkReader
	runs       RunLister
	feed       FeedStats
}

func NewRouter(status StatusProvider, watermarks WatermarkReader, runs RunLister, feed FeedStats) *Router {
	return &Router{status: status, watermarks: watermarks, runs: runs, feed: feed}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/ingest/status", r.handleStatus)
	group.GET("/ingest/runs", r.handleRuns)
	group.GET("/klines/:symbol/:interval/watermarks", r.handleWatermarks)
}

type statusResponse struct {
	ingest.Status
	Feed *market.SourceStats `json:"feed,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResponse{Status: r.status.Status()}
	if r.feed != nil {
		stats := r.feed.Stats()
		resp.Feed = &stats
	}
	c.JSON(http.StatusOK, resp)
}

type watermarkResponse struct {
	Instrument market.Instrument `json:"instrument"`
	Empty      bool              `json:"empty"`
	Low        int64             `json:"low,omitempty"`
	High       int64             `json:"high,omitempty"`
	Expected   int               `json:"expected,omitempty"`
}

func (r *Router) handleWatermarks(c *gin.Context) {
	inst, err := market.NewInstrument(c.Param("symbol"), c.Param("interval"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	first, err := r.watermarks.FindFirst(ctx, inst)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	last, err := r.watermarks.FindLast(ctx, inst)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := watermarkResponse{Instrument: inst, Empty: first == nil || last == nil}
	if !resp.Empty {
		resp.Low, resp.High = first.OpenTime, last.OpenTime
		// 高低水位之间应有的根数
		resp.Expected = inst.Interval.Count(first.OpenTime, last.OpenTime)
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRuns(c *gin.Context) {
	if r.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run journal 未启用"})
		return
	}
	limit, _ := strconv.Atoi(strings.TrimSpace(c.DefaultQuery("limit", "50")))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	ctx := c.Request.Context()
	runs, err := r.runs.ListRuns(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	events, err := r.runs.ListEvents(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "events": events})
}
