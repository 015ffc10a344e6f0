package extractor

import (
	"context"
	"fmt"

	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/progress"
)

// Router sends a URL to the first preferred backend that accepts it and
// otherwise to the fallback.
type Router struct {
	preferred []Backend
	fallback  Backend
}

func NewRouter(fallback Backend, preferred ...Backend) *Router {
	return &Router{preferred: preferred, fallback: fallback}
}

// ForEngine builds the router for the extractor.engine setting.
func ForEngine(engine string, ytdlp *YtDlp, yt *YouTube) (*Router, error) {
	switch engine {
	case "", "yt-dlp":
		return NewRouter(ytdlp), nil
	case "youtube":
		return NewRouter(yt), nil
	case "auto":
		return NewRouter(ytdlp, yt), nil
	}
	return nil, fmt.Errorf("unknown extractor engine %q", engine)
}

func (r *Router) Name() string { return "router" }

func (r *Router) Accepts(rawURL string) bool {
	return r.pick(rawURL) != nil
}

func (r *Router) pick(rawURL string) Backend {
	for _, b := range r.preferred {
		if b.Accepts(rawURL) {
			return b
		}
	}
	if r.fallback != nil && r.fallback.Accepts(rawURL) {
		return r.fallback
	}
	return nil
}

func (r *Router) Fetch(ctx context.Context, req Request, snapshots chan<- progress.Snapshot) (string, error) {
	b := r.pick(req.URL)
	if b == nil {
		return "", ErrUnsupported
	}
	logger.DebugCF("extractor", "Routing fetch", map[string]interface{}{
		"backend":    b.Name(),
		"permissive": req.Permissive,
	})
	return b.Fetch(ctx, req, snapshots)
}
