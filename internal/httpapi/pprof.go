package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/config"
	logx "tasknotify/pkg/logx"
)

// mountPprof exposes the runtime profiles under cfg's prefix, behind the
// internal token. Without a token the mount is refused unless AllowInsecure.
func mountPprof(r *gin.Engine, cfg config.PprofConfig, token string, log logx.Logger) {
	if !cfg.Enabled {
		return
	}
	if strings.TrimSpace(token) == "" && !cfg.AllowInsecure {
		log.Error("pprof refused to mount: internal token required (or pprof.allow_insecure)")
		return
	}
	applyRuntimeRates(cfg)

	prefix := cfg.PrefixOrDefault()
	g := r.Group(prefix)
	if strings.TrimSpace(token) != "" {
		g.Use(InternalAuth(token))
	} else {
		log.Warn("pprof mounted without auth (insecure)", logx.String("prefix", prefix))
	}
	g.GET("/", gin.WrapF(pprofIndexAt(prefix)))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", gin.WrapF(pprofIndexAt(prefix)))
	log.Info("pprof mounted", logx.String("prefix", prefix), logx.Bool("token_set", token != ""))
}

func applyRuntimeRates(cfg config.PprofConfig) {
	// 0 keeps Go default.
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// pprofIndexAt serves the index (and named profiles) from a custom prefix.
// net/http/pprof only recognises paths under /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := prefix + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		if r.URL.Path == prefix {
			suffix = ""
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
