package middleware

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/apigw/pkg/apperr"
)

// tokenIssuer はGatewayが発行するJWTのiss。
const tokenIssuer = "apigw"

// AccountTypeAdmin は管理者アカウントを表すアカウント種別。
const AccountTypeAdmin = "admin"

// Identity はトークン検証で得られた認証済みのID。
type Identity struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// Roles は保持しているロール。
	Roles []string `json:"roles"`
	// AccountType はアカウント種別（user, admin, service）。
	AccountType string `json:"accountType"`
	// TenantID は所属テナントのヒント。
	TenantID string `json:"tenantId,omitempty"`
	// DeviceID は端末のヒント。
	DeviceID string `json:"deviceId,omitempty"`
	// Language は表示言語の希望。
	Language string `json:"language,omitempty"`
}

// IsAdmin は管理者アカウントかどうかを返す。
func (i *Identity) IsAdmin() bool {
	return i != nil && i.AccountType == AccountTypeAdmin
}

// HasRole は指定ロールを持つかどうかを返す。
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
	// AccountType はアカウント種別。
	AccountType string `json:"account_type"`
	// TenantID はテナントID。
	TenantID string `json:"tenant_id,omitempty"`
	// DeviceID は端末ID。
	DeviceID string `json:"device_id,omitempty"`
	// Language は表示言語。
	Language string `json:"lang,omitempty"`
}

// identity はクレームからIdentityを組み立てる。
func (c *JWTClaims) identity() *Identity {
	return &Identity{
		ID:          c.UserID,
		Email:       c.Email,
		Roles:       c.Roles,
		AccountType: c.AccountType,
		TenantID:    c.TenantID,
		DeviceID:    c.DeviceID,
		Language:    c.Language,
	}
}

// GenerateJWT はIdentityからJWTトークンを生成する。
func GenerateJWT(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID:      id.ID,
		Email:       id.Email,
		Roles:       id.Roles,
		AccountType: id.AccountType,
		TenantID:    id.TenantID,
		DeviceID:    id.DeviceID,
		Language:    id.Language,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンを検証してIdentityを返す。
// 失敗時は認証サブシステムのコードを持つapperr.Errorを返す。
func ParseJWT(secret, tokenString string) (*Identity, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Unauthorized(apperr.CodeAuthExpired, "token expired", err)
		}
		return nil, apperr.Unauthorized(apperr.CodeAuthInvalid, "invalid token", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperr.Unauthorized(apperr.CodeAuthInvalid, "invalid token", nil)
	}
	return claims.identity(), nil
}

// Authenticate はBearerトークンからIDを解決するGinミドルウェアを返す。
// Authorizationヘッダーが無い、またはBearer以外の方式の場合は匿名として扱う。
// Bearerトークンが不正な場合は401で中断する。
func Authenticate(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if authHeader == "" || !found {
			c.Next()
			return
		}

		id, err := ParseJWT(secret, strings.TrimSpace(tokenString))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		if rc := GetRequestContext(c); rc != nil {
			rc.Identity = id
		}
		c.Set("user_id", id.ID)
		c.Next()
	}
}

// RequireIdentity は認証済みのIDを必須とするGinミドルウェアを返す。
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c) == nil {
			_ = c.Error(apperr.Unauthorized(apperr.CodeAuthMissing, "authentication required", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetIdentity はGinコンテキストから認証済みIDを取得する。
func GetIdentity(c *gin.Context) *Identity {
	return IdentityFromContext(c.Request.Context())
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
