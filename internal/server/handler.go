package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"instaup/internal/auth"
	"instaup/internal/config"
	"instaup/internal/service"
)

const (
	maxUploadFiles = 10
	maxUploadBytes = 10 << 20
)

// Services 聚合 handler 依赖的业务 service。
type Services struct {
	Accounts *service.AccountService
	Graph    *service.GraphService
	Profiles *service.ProfileService
	Posts    *service.PostService
	Stories  *service.StoryService
	Chat     *service.ChatService
}

// Handler 聚合所有 HTTP handler，业务规则全部在 service 层。
type Handler struct {
	cfg   config.Config
	svc   Services
	oauth *auth.GoogleOAuth
}

func NewHandler(cfg config.Config, svc Services, oauth *auth.GoogleOAuth) *Handler {
	return &Handler{cfg: cfg, svc: svc, oauth: oauth}
}

// fail 把 err 写成 JSON 响应。service.Error 直接返回其消息，
// 其他错误记日志后统一返回 500。
func fail(c *gin.Context, err error, op string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// idParam 解析正整数路径参数。
func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(v), true
}

// flexID 兼容 JSON 数字和字符串两种形式的 id。
type flexID uint

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*f = flexID(v)
	return nil
}

// bind 解析可选的 JSON body，body 为空时不修改 dst。
func bind(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid payload")
		return false
	}
	return true
}

// readImages 读取表单字段 field 下的文件，只接受图片。
func readImages(c *gin.Context, field string) ([]service.Upload, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, true
		}
		badRequest(c, "invalid multipart form")
		return nil, false
	}
	headers := form.File[field]
	if len(headers) > maxUploadFiles {
		badRequest(c, fmt.Sprintf("At most %d files are allowed", maxUploadFiles))
		return nil, false
	}
	out := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		up, err := readImage(fh)
		if err != nil {
			badRequest(c, err.Error())
			return nil, false
		}
		out = append(out, up)
	}
	return out, true
}

func readImage(fh *multipart.FileHeader) (service.Upload, error) {
	if fh.Size > maxUploadBytes {
		return service.Upload{}, fmt.Errorf("File %s is too large", fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return service.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return service.Upload{}, err
	}
	if len(data) > maxUploadBytes {
		return service.Upload{}, fmt.Errorf("File %s is too large", fh.Filename)
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return service.Upload{}, errors.New("Only image files are allowed")
	}
	return service.Upload{Data: data, ContentType: ct}, nil
}

// singleImage 从 field 读取恰好一张图片。
func singleImage(c *gin.Context, field string) (service.Upload, bool) {
	files, ok := readImages(c, field)
	if !ok {
		return service.Upload{}, false
	}
	if len(files) == 0 {
		badRequest(c, "No file uploaded")
		return service.Upload{}, false
	}
	return files[0], true
}

func pageQuery(c *gin.Context) service.Page {
	p, _ := strconv.Atoi(c.Query("page"))
	l, _ := strconv.Atoi(c.Query("limit"))
	return service.Page{Page: p, Limit: l}
}

func (h *Handler) tokenTTL() time.Duration {
	return time.Duration(h.cfg.TokenTTLDays) * 24 * time.Hour
}
