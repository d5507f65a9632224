package filter

import (
	"context"
	"fmt"
	"log/slog"

	"avitohunter/internal/model"
	"avitohunter/internal/pkg/metrics"
)

// Stage 是管道中的一个过滤阶段。
type Stage struct {
	Name  string
	Apply func(ctx context.Context, in []model.Listing) ([]model.Listing, error)
}

// Pipeline 按固定顺序执行过滤阶段。
//
// 任何阶段产出空结果时立即返回；阶段失败（包括 panic）时记录日志并原样透传输入。
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

func newPipeline(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{stages: stages, logger: logger}
}

// Stages 返回阶段名，按执行顺序。
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, st := range p.stages {
		names = append(names, st.Name)
	}
	return names
}

// Run 先标注卖家和推广信息，再依次执行各阶段。
func (p *Pipeline) Run(ctx context.Context, listings []model.Listing) []model.Listing {
	Annotate(listings)
	current := listings
	for _, st := range p.stages {
		out, err := p.apply(ctx, st, current)
		if err != nil {
			metrics.FilterStageErrorsTotal.WithLabelValues(st.Name).Inc()
			p.logger.Warn("filter stage failed, passing input through",
				slog.String("stage", st.Name),
				slog.String("error", err.Error()),
			)
			out = current
		}
		metrics.FilterStageRemaining.WithLabelValues(st.Name).Set(float64(len(out)))
		p.logger.Debug("filter stage done", slog.String("stage", st.Name), slog.Int("remaining", len(out)))
		if len(out) == 0 {
			return out
		}
		current = out
	}
	return current
}

func (p *Pipeline) apply(ctx context.Context, st Stage, in []model.Listing) (out []model.Listing, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	// 阶段只能看到副本，失败透传时输入不会被改动
	cp := make([]model.Listing, len(in))
	copy(cp, in)
	return st.Apply(ctx, cp)
}

// keep 返回满足条件的记录。
func keep(in []model.Listing, pred func(model.Listing) bool) []model.Listing {
	out := make([]model.Listing, 0, len(in))
	for _, l := range in {
		if pred(l) {
			out = append(out, l)
		}
	}
	return out
}
