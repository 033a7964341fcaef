// Package auth 解析请求的投票人身份
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"go.uber.org/zap"
)

const (
	// SessionCookieName 匿名投票会话cookie
	SessionCookieName = "voter_session"

	identityKey = "livepoll.identity"
	// AdminTokenHeader 运维接口的令牌头
	AdminTokenHeader = "X-Admin-Token"
)

var ErrInvalidToken = errors.New("令牌无效或已过期")

// Claims 令牌载荷，userId缺省时使用sub
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity 请求的身份，User只在已登录时非空
type Identity struct {
	Voter model.VoterIdentity
	User  *model.User
}

// UserStore 登录用户写入账本，用于展示名解析
type UserStore interface {
	EnsureUser(ctx context.Context, user *model.User) error
}

type Authenticator struct {
	secret         []byte
	cookies        *securecookie.SecureCookie
	cookieMaxAge   time.Duration
	cookieSecure   bool
	allowAnonymous bool
	adminToken     string
	users          UserStore
	logger         *zap.Logger
}

func NewAuthenticator(cfg config.AuthConfig, voting config.VotingConfig, users UserStore, logger *zap.Logger) *Authenticator {
	a := &Authenticator{
		secret:         []byte(cfg.JWTSecret),
		cookieMaxAge:   cfg.CookieMaxAge,
		cookieSecure:   cfg.CookieSecure,
		allowAnonymous: voting.AllowAnonymous,
		adminToken:     cfg.AdminToken,
		users:          users,
		logger:         logging.OrNop(logger),
	}
	if cfg.CookieHashKey != "" {
		var blockKey []byte
		if cfg.CookieBlockKey != "" {
			blockKey = []byte(cfg.CookieBlockKey)
		}
		a.cookies = securecookie.New([]byte(cfg.CookieHashKey), blockKey)
		a.cookies.MaxAge(int(cfg.CookieMaxAge.Seconds()))
	}
	return a
}

// IssueToken 签发HS256令牌
func (a *Authenticator) IssueToken(user model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return token, nil
}

// ParseToken 校验令牌并返回用户
func (a *Authenticator) ParseToken(raw string) (*model.User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("令牌缺少用户ID: %w", ErrInvalidToken)
	}
	return &model.User{ID: userID, Name: claims.Name}, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// 浏览器WebSocket无法设置请求头
	return c.Query("token")
}

// Middleware 解析身份：先看令牌，没有令牌且开启匿名投票时使用会话cookie
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearerToken(c); raw != "" {
			user, err := a.ParseToken(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "Unauthenticated",
					"message": "Invalid or expired token",
				})
				return
			}
			if user.Name != "" && a.users != nil {
				if err := a.users.EnsureUser(c.Request.Context(), user); err != nil {
					a.logger.Warn("同步用户失败", zap.String("userId", user.ID), zap.Error(err))
				}
			}
			setIdentity(c, Identity{Voter: model.UserVoter{UserID: user.ID}, User: user})
			c.Next()
			return
		}

		if a.allowAnonymous && a.cookies != nil {
			if sessionID := a.sessionID(c); sessionID != "" {
				setIdentity(c, Identity{Voter: model.SessionVoter{SessionID: sessionID}})
			}
		}
		c.Next()
	}
}

// sessionID 读取会话cookie，没有或无效时签发新的
func (a *Authenticator) sessionID(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookieName); err == nil {
		var sessionID string
		if err := a.cookies.Decode(SessionCookieName, cookie, &sessionID); err == nil {
			if _, err := uuid.Parse(sessionID); err == nil {
				return sessionID
			}
		}
	}

	sessionID := uuid.NewString()
	encoded, err := a.cookies.Encode(SessionCookieName, sessionID)
	if err != nil {
		a.logger.Error("编码会话cookie失败", zap.Error(err))
		return ""
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(a.cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

type ctxKey struct{}

// WithIdentity 把身份放进ctx，供GraphQL等非gin处理器读取
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext 读取ctx中的身份
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func setIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
}

// IdentityFrom 读取中间件解析出的身份
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// RequireUser 必须是登录用户
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := IdentityFrom(c); !ok || id.User == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthenticated",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequireVoter 登录用户或匿名会话
func RequireVoter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthenticated",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// AdminOnly 校验运维令牌，未配置令牌时拒绝所有请求
func (a *Authenticator) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if a.adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Admin token required",
			})
			return
		}
		c.Next()
	}
}
