package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-han/social-auth/pkg/errs"
)

func miniAppConfig(tokenURL string) Config {
	return Config{
		Name:         "weapp",
		Type:         "miniapp",
		ClientID:     "app-id",
		ClientSecret: "app-secret",
		TokenURL:     tokenURL,
	}
}

func TestMiniAppUsesRedirect(t *testing.T) {
	b, err := NewMiniAppBackend(miniAppConfig("https://api.example.com/sns/jscode2session"))
	require.NoError(t, err)
	assert.False(t, b.UsesRedirect())

	_, err = b.AuthorizationURL("state", "https://app.example.com/cb")
	assert.True(t, errs.IsCode(err, errs.ErrCodeBackendUnsupported))
}

func TestMiniAppExchangeToken(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"openid":"o-1","unionid":"un-1","session_key":"sk-1"}`))
	}))
	defer srv.Close()

	b, err := NewMiniAppBackend(miniAppConfig(srv.URL))
	require.NoError(t, err)

	identity, err := b.ExchangeToken(context.Background(), map[string]string{"code": "js-code"})
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", gotQuery.Get("grant_type"))
	assert.Equal(t, "app-id", gotQuery.Get("appid"))
	assert.Equal(t, "app-secret", gotQuery.Get("secret"))
	assert.Equal(t, "js-code", gotQuery.Get("js_code"))

	// session_key doubles as the access token
	assert.Equal(t, "sk-1", identity.AccessToken)
	assert.Equal(t, "sk-1", identity.Raw["access_token"])
	assert.Equal(t, "o-1", identity.Raw["openid"])
}

func TestMiniAppExchangeTokenErrcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":40029,"errmsg":"invalid code"}`))
	}))
	defer srv.Close()

	b, err := NewMiniAppBackend(miniAppConfig(srv.URL))
	require.NoError(t, err)

	_, err = b.ExchangeToken(context.Background(), map[string]string{"code": "bad"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrCodeProvider))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "invalid code", e.Message)
	assert.Equal(t, "40029", e.Details["provider_code"])
}

func TestMiniAppExchangeTokenErrcodeZeroIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":0,"openid":"o-1","session_key":"sk-1"}`))
	}))
	defer srv.Close()

	b, err := NewMiniAppBackend(miniAppConfig(srv.URL))
	require.NoError(t, err)

	identity, err := b.ExchangeToken(context.Background(), map[string]string{"code": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "sk-1", identity.AccessToken)
}

func TestMiniAppExchangeTokenMissingCode(t *testing.T) {
	b, err := NewMiniAppBackend(miniAppConfig("https://api.example.com/sns/jscode2session"))
	require.NoError(t, err)

	_, err = b.ExchangeToken(context.Background(), map[string]string{})
	assert.True(t, errs.IsCode(err, errs.ErrCodeValidation))
}

func TestMiniAppDeriveIdentityKey(t *testing.T) {
	b, err := NewMiniAppBackend(miniAppConfig("https://api.example.com/sns/jscode2session"))
	require.NoError(t, err)
	profile := Profile{"openid": "o-1", "unionid": "un-1"}

	t.Run("openid by default", func(t *testing.T) {
		key, err := b.DeriveIdentityKey(profile, Settings{})
		require.NoError(t, err)
		assert.Equal(t, "o-1", key.Username)
		assert.Equal(t, "o-1@qq.com", key.StableID)
	})

	t.Run("unionid when enabled", func(t *testing.T) {
		key, err := b.DeriveIdentityKey(profile, Settings{SettingUnionIDAsUsername: true})
		require.NoError(t, err)
		assert.Equal(t, "un-1", key.Username)
		assert.Equal(t, "un-1@qq.com", key.StableID)
	})

	t.Run("unionid enabled but absent falls back to openid", func(t *testing.T) {
		key, err := b.DeriveIdentityKey(Profile{"openid": "o-1"}, Settings{SettingUnionIDAsUsername: true})
		require.NoError(t, err)
		assert.Equal(t, "o-1", key.Username)
	})

	t.Run("custom email host", func(t *testing.T) {
		key, err := b.DeriveIdentityKey(profile, Settings{SettingEmailHost: "corp.example.com"})
		require.NoError(t, err)
		assert.Equal(t, "o-1@corp.example.com", key.StableID)
	})

	t.Run("no openid", func(t *testing.T) {
		_, err := b.DeriveIdentityKey(Profile{}, Settings{})
		assert.True(t, errs.IsCode(err, errs.ErrCodeProvider))
	})
}
