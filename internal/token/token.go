// Package token implements the upload token format: an opaque string
// carrying {uploadId, fileName, fileSize, fileType, createdAt} with a
// 24-hour expiry and an HMAC-style signature. Callers treat it as opaque;
// only the server extracts uploadId from it. It is built on
// github.com/golang-jwt/jwt/v5, so the "opaque string ... with a
// signature" is a real signed JWT rather than a hand-rolled scheme.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bigxfer/bigxfer/internal/errors"
)

// TTL is the token's fixed lifetime (§6 "24-hour expiry").
const TTL = 24 * time.Hour

// ErrExpired and ErrInvalid classify Verify failures into the
// Authorization error class of §7 ("missing/expired/invalid token").
var (
	ErrExpired = errors.New("token: expired")
	ErrInvalid = errors.New("token: invalid")
)

// Claims is the opaque payload §6 names, carried as JWT claims.
type Claims struct {
	UploadID     string `json:"uploadId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies upload tokens with a single HMAC secret. The
// secret is a server-side deployment concern (§6 treats the token as
// opaque to the core); Issuer is what C6's /create and every protected
// route share.
type Issuer struct {
	secret []byte
}

// NewIssuer builds an Issuer from secret. An empty secret is rejected:
// signing with no key would make the token unauthenticated, defeating the
// Authorization error class of §7.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	return &Issuer{secret: secret}, nil
}

// Issue mints a token binding the given session metadata, expiring after
// TTL from now.
func (i *Issuer) Issue(uploadID, fileName string, fileSize int64, fileType string, now time.Time) (string, error) {
	claims := Claims{
		UploadID: uploadID,
		FileName: fileName,
		FileSize: fileSize,
		FileType: fileType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "token: sign")
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns its claims.
// Only UploadID is meaningful to the server beyond this point (§6:
// "only the uploadId is extracted server-side").
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !t.Valid {
		return nil, ErrInvalid
	}
	return &claims, nil
}
