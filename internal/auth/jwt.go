// Package auth 请求方身份认证
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 角色
const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// Authenticator 认证器接口
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Identity 认证后的调用方
type Identity struct {
	RequesterID string   `json:"requester_id"`
	Roles       []string `json:"roles"`
	Exp         int64    `json:"exp"`
}

// HasRole 是否拥有角色，admin 视为拥有全部角色
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// JWTAuth JWT认证器
type JWTAuth struct {
	secret []byte
	issuer string
	expire time.Duration
	algo   jwt.SigningMethod
	now    func() time.Time
}

// NewJWTAuth 创建JWT认证器
func NewJWTAuth(secret, issuer string, expire time.Duration) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: issuer,
		expire: expire,
		algo:   jwt.SigningMethodHS256,
		now:    time.Now,
	}
}

// Claims JWT声明，sub 为请求方ID
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticate 认证，接受带 Bearer 前缀的令牌
func (a *JWTAuth) Authenticate(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return a.ValidateToken(token)
}

// GenerateToken 签发令牌
func (a *JWTAuth) GenerateToken(requesterID string, roles ...string) (string, error) {
	if requesterID == "" {
		return "", errors.New("requester id is required")
	}
	now := a.now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requesterID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expire)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	return jwt.NewWithClaims(a.algo, claims).SignedString(a.secret)
}

// ValidateToken 验证令牌
func (a *JWTAuth) ValidateToken(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != a.algo {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return &Identity{
		RequesterID: claims.Subject,
		Roles:       claims.Roles,
		Exp:         claims.ExpiresAt.Unix(),
	}, nil
}
