package log

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 zerolog。dev 环境输出可读的 console 格式并开启 debug，
// 其他环境输出 JSON，级别为 info。
func Init(env string) {
	InitWriter(env, os.Stdout)
}

func InitWriter(env string, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger().Level(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Requests 为每个完成的 HTTP 请求记录一行访问日志。
func Requests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		if status >= 500 {
			evt = log.Error()
		} else if status >= 400 {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("request completed")
	}
}
