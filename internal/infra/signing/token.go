package signing

import (
	"crypto/sha512"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a bearer-token scheme signed with HS256.
type Token struct {
	// TTL bounds the token lifetime via iat/exp claims; zero omits both.
	TTL time.Duration
	// QueryHash adds query_hash=hex(SHA512(query+body)) and query_hash_alg claims.
	QueryHash bool
}

func (t Token) sign(cred Credential, req Request) (string, error) {
	claims := jwt.MapClaims{
		"access_key": cred.APIKey,
		"nonce":      req.Nonce,
	}
	if t.TTL > 0 {
		claims["iat"] = req.Timestamp.Unix()
		claims["exp"] = req.Timestamp.Add(t.TTL).Unix()
	}
	if t.QueryHash {
		if payload := req.Query + req.Body; payload != "" {
			sum := sha512.Sum512([]byte(payload))
			claims["query_hash"] = hex.EncodeToString(sum[:])
			claims["query_hash_alg"] = "SHA512"
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cred.Secret))
}
