package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// CorsSettings 允许配置的前端来源携带凭证跨域，列表为空时放行所有来源，仅用于 dev。
func CorsSettings(origins []string) *cors.Cors {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	if len(origins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts)
}

// CORS 把 c 适配为 gin 中间件，预检请求直接返回 204。
func CORS(c *cors.Cors) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions && ctx.GetHeader("Access-Control-Request-Method") != "" {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}
