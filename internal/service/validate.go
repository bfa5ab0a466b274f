package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Clock 返回当前时间，测试可以注入自己的时钟。
type Clock func() time.Time

func orUTCNow(c Clock) Clock {
	if c != nil {
		return c
	}
	return func() time.Time { return time.Now().UTC() }
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) || r == '.' || r == '_') {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("strongpw", func(fl validator.FieldLevel) bool {
		return strongPassword(fl.Field().String())
	})
	return v
}

const passwordSpecials = `!@#$%^&*(),.?":{}|<>`

func strongPassword(pw string) bool {
	var lower, upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return lower && upper && digit && strings.ContainsAny(pw, passwordSpecials)
}

// 按 "Field.tag" 索引的错误消息，以第一条失败的规则为准。
var messages = map[string]string{
	"Name.required":     "Name is required",
	"Name.min":          "Name must be at least 2 characters",
	"Email.required":    "Email is required",
	"Email.email":       "Invalid email format",
	"Password.required": "Password is required",
	"Password.min":      "Password must be between 8 and 64 characters",
	"Password.max":      "Password must be between 8 and 64 characters",
	"Password.strongpw": "Password must include at least one uppercase letter, one lowercase letter, one number, and one special character",
	"Role.oneof":        "Invalid role",
	"Username.min":      "Username must be between 3 and 20 characters",
	"Username.max":      "Username must be between 3 and 20 characters",
	"Username.username": "Username can only contain letters, numbers, dots, and underscores",
	"Bio.max":           "Bio cannot be longer than 160 characters",
	"Location.max":      "Location cannot be longer than 100 characters",
}

// check 校验 v，并把第一条失败转换为 ErrValidation。
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	if msg, ok := messages[fe.Field()+"."+fe.Tag()]; ok {
		return invalid("%s", msg)
	}
	return invalid("%s is invalid", strings.ToLower(fe.Field()))
}

// Page 是从 1 开始的分页参数。
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalize(defLimit int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 || p.Limit > 100 {
		p.Limit = defLimit
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// likePattern 转义 s，用于不区分大小写的 LIKE 子串匹配。
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return fmt.Sprintf("%%%s%%", strings.ToLower(r.Replace(s)))
}
