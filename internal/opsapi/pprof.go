package opsapi

import (
	hpprof "net/http/pprof"

	"github.com/gin-gonic/gin"

	"igpilot/pkg/logx"
)

// mountPprof exposes the runtime profiles. Named profiles (heap, goroutine,
// block, mutex, allocs, threadcreate) are served by the index handler.
func (s *Server) mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
	s.log.Info("pprof endpoints enabled", logx.String("prefix", "/debug/pprof"))
}
