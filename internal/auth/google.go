package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// GoogleProfile 是校验通过的 Google ID token 中的用户信息。
type GoogleProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// GoogleVerifier 校验签发给本应用的 ID token。
type GoogleVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (GoogleProfile, error)
}

var validateIDToken = idtoken.Validate

type IDTokenVerifier struct {
	ClientID string
}

func (v IDTokenVerifier) Verify(ctx context.Context, raw string) (GoogleProfile, error) {
	if v.ClientID == "" {
		return GoogleProfile{}, errors.New("google login is not configured")
	}
	payload, err := validateIDToken(ctx, raw, v.ClientID)
	if err != nil {
		return GoogleProfile{}, err
	}
	p := GoogleProfile{Subject: payload.Subject}
	p.Email, _ = payload.Claims["email"].(string)
	p.Name, _ = payload.Claims["name"].(string)
	p.Picture, _ = payload.Claims["picture"].(string)
	if p.Email == "" {
		return GoogleProfile{}, errors.New("id token has no email")
	}
	return p, nil
}

const (
	oauthSession = "instaup_oauth"
	stateKey     = "state"
)

var (
	ErrOAuthState = errors.New("invalid oauth state")
	ErrNoIDToken  = errors.New("token response has no id_token")
)

// GoogleOAuth 负责授权码重定向流程，state 在两次请求之间保存在签名 cookie session 中。
type GoogleOAuth struct {
	config *oauth2.Config
	store  sessions.Store
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL, sessionSecret string, secure bool) *GoogleOAuth {
	store := sessions.NewCookieStore([]byte(sessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &GoogleOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		store: store,
	}
}

// AuthURL 在 session 中写入新的 state 并返回授权地址。
func (g *GoogleOAuth) AuthURL(w http.ResponseWriter, r *http.Request) (string, error) {
	state, err := GenerateResetToken()
	if err != nil {
		return "", err
	}
	sess, _ := g.store.Get(r, oauthSession)
	sess.Values[stateKey] = state
	if err := sess.Save(r, w); err != nil {
		return "", err
	}
	return g.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

// Exchange 校验回调 state，用 code 换取 token 并返回原始 ID token。state 只能使用一次。
func (g *GoogleOAuth) Exchange(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, _ := g.store.Get(r, oauthSession)
	want, _ := sess.Values[stateKey].(string)
	delete(sess.Values, stateKey)
	_ = sess.Save(r, w)
	if want == "" || r.FormValue("state") != want {
		return "", ErrOAuthState
	}

	tok, err := g.config.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		return "", err
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return "", ErrNoIDToken
	}
	return raw, nil
}
