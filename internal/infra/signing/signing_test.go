package signing

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
)

var fixedNow = time.UnixMilli(1499827319559)

func newTestStore(t *testing.T, creds ...Credential) *Store {
	t.Helper()
	store, err := NewStore(creds, WithClock(Fixed(fixedNow)), WithNonceSource(func() string { return "nonce-1" }))
	require.NoError(t, err)
	return store
}

func TestBinanceQuerySignatureMatchesPublishedVector(t *testing.T) {
	store := newTestStore(t, Credential{
		Exchange: "binance",
		APIKey:   "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		Secret:   "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	})
	signed, err := store.Signer("binance").HMAC(HMAC{Hash: SHA256, Encoding: Hex}, Request{
		Method: "POST",
		Path:   "/api/v3/order",
		Query:  "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559",
	})
	require.NoError(t, err)
	require.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", signed.Signature)
}

func TestHMACIsDeterministicForFixedInputs(t *testing.T) {
	store := newTestStore(t, Credential{Exchange: "okx", APIKey: "k", Secret: "s", Passphrase: "p"})
	scheme := HMAC{Hash: SHA256, Encoding: Base64, Canonical: CanonicalPrehash, Stamp: ISO8601Millis}
	req := Request{Method: "post", Path: "/api/v5/trade/order", Body: `{"instId":"BTC-USDT"}`, Timestamp: fixedNow}

	first, err := store.Signer("okx").HMAC(scheme, req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := store.Signer("okx").HMAC(scheme, req)
		require.NoError(t, err)
		require.Equal(t, first.Signature, again.Signature)
	}
	require.Equal(t, "2017-07-12T02:41:59.559Z", first.Timestamp)
	require.Equal(t, "p", first.Passphrase)

	req.Body = `{"instId":"ETH-USDT"}`
	other, err := store.Signer("okx").HMAC(scheme, req)
	require.NoError(t, err)
	require.NotEqual(t, first.Signature, other.Signature)
}

func TestHexBase64EncodingWrapsHexDigest(t *testing.T) {
	store := newTestStore(t, Credential{Exchange: "bithumb", APIKey: "k", Secret: "s"})
	signed, err := store.Signer("bithumb").HMAC(
		HMAC{Hash: SHA512, Encoding: HexBase64, Canonical: CanonicalNullSeparated},
		Request{Path: "/info/balance", Query: "currency=BTC"},
	)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(signed.Signature)
	require.NoError(t, err)
	require.Len(t, raw, sha512.Size*2)
	_, err = hex.DecodeString(string(raw))
	require.NoError(t, err)
	require.Equal(t, "1499827319559", signed.Timestamp)
}

func TestTokenCarriesScopeAndLifetimeClaims(t *testing.T) {
	store := newTestStore(t, Credential{Exchange: "upbit", APIKey: "access", Secret: "secret-key"})
	signed, err := store.Signer("upbit").Token(Token{TTL: 30 * time.Second, QueryHash: true}, Request{
		Method: "GET", Path: "/v1/order", Query: "uuid=abc",
	})
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed.Token, func(*jwt.Token) (any, error) { return []byte("secret-key"), nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)

	sum := sha512.Sum512([]byte("uuid=abc"))
	require.Equal(t, "access", claims["access_key"])
	require.Equal(t, "nonce-1", claims["nonce"])
	require.Equal(t, hex.EncodeToString(sum[:]), claims["query_hash"])
	require.Equal(t, "SHA512", claims["query_hash_alg"])
	require.EqualValues(t, fixedNow.Unix(), claims["iat"])
	require.EqualValues(t, fixedNow.Add(30*time.Second).Unix(), claims["exp"])

	again, err := store.Signer("upbit").Token(Token{TTL: 30 * time.Second, QueryHash: true}, Request{
		Method: "GET", Path: "/v1/order", Query: "uuid=abc",
	})
	require.NoError(t, err)
	require.Equal(t, signed.Token, again.Token)
}

func TestMissingCredentialIsAuthFailure(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Signer("binance").HMAC(HMAC{}, Request{})
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.ErrorIs(t, err, ErrCredentialMissing)
	require.False(t, errs.Retryable(err))

	var nilStore *Store
	require.False(t, nilStore.Signer("okx").Available())
}

func TestStoreRejectsMalformedRecords(t *testing.T) {
	_, err := NewStore([]Credential{{Exchange: "binance", APIKey: "k"}})
	require.Error(t, err)

	_, err = NewStore([]Credential{
		{Exchange: "binance", APIKey: "k", Secret: "s"},
		{Exchange: "BINANCE", APIKey: "k2", Secret: "s2"},
	})
	require.ErrorContains(t, err, "duplicate")
}

func TestCredentialStringRedactsSecrets(t *testing.T) {
	c := Credential{Exchange: "okx", APIKey: "abcdefgh", Secret: "topsecretvalue", Passphrase: "pp"}
	out := c.String()
	require.NotContains(t, out, "topsecretvalue")
	require.NotContains(t, out, "abcdefgh")
	require.Contains(t, out, "abcd****")
}
