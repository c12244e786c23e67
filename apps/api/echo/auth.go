package echoapi

import (
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/payment"
)

// appJWTConfig is the default JWT auth middleware config.
var appJWTConfig = middleware.JWTConfig{
	SigningKey:    []byte(core.Conf.SecretKey),
	SigningMethod: middleware.AlgorithmHS256,
	ContextKey:    "userToken",
	Claims:        new(Claims),
}

// Claims represents the authorization claims transmitted via a JWT. Tokens are
// issued by the identity service; this API only verifies and reads them.
type Claims struct {
	jwt.StandardClaims
	Username  string   `json:"username,omitempty"`
	Email     string   `json:"email,omitempty"`
	IsStudent bool     `json:"is_student,omitempty"`
	IsTeacher bool     `json:"is_teacher,omitempty"`
	IsAdmin   bool     `json:"is_admin,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Student extracts the authenticated student from the claims.
func (c Claims) Student() (payment.Student, error) {
	id, err := strconv.Atoi(c.Subject)
	if err != nil {
		return payment.Student{}, errors.Wrap(err, "parsing subject claim")
	}
	return payment.Student{ID: id, Email: c.Email}, nil
}

// GenerateToken generates a signed JWT token string representing the Claims.
// Used by tests and local tooling; production tokens come from the identity service.
func GenerateToken(claims *Claims) (string, error) {
	now := time.Now()
	if claims.IssuedAt == 0 {
		claims.IssuedAt = now.Unix()
	}
	if claims.ExpiresAt == 0 {
		claims.ExpiresAt = now.Add(core.Conf.Server.JWTExpirationDelta).Unix()
	}
	if claims.Issuer == "" {
		claims.Issuer = core.Conf.AppName
	}

	method := jwt.GetSigningMethod(appJWTConfig.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(appJWTConfig.SigningKey.([]byte))
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(appJWTConfig.ContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextStudent(ctx echo.Context) (payment.Student, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return payment.Student{}, err
	}
	return claims.Student()
}
