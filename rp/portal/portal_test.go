package portal

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bertrandmartel/keycloak-sso/rp/application"
	"github.com/bertrandmartel/keycloak-sso/rp/config"
	"github.com/bertrandmartel/keycloak-sso/rp/gate"
	"github.com/bertrandmartel/keycloak-sso/rp/idptest"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

var adminUser = idptest.User{
	Sub:      "1234",
	Username: "jdoe",
	Email:    "jdoe@example.com",
	Roles:    []string{"admin"},
}

var csUser = idptest.User{
	Sub:      "5678",
	Username: "csmith",
	Email:    "csmith@example.com",
	Roles:    []string{"cs"},
}

type twoPortals struct {
	idp      *idptest.Provider
	adminCfg *config.Config
	csCfg    *config.Config
	adminSrv *httptest.Server
	csSrv    *httptest.Server
}

func portalConfig(name string, idp *idptest.Provider, redisAddr string) *config.Config {
	return &config.Config{
		ServiceName: name,
		Port:        0,
		BaseURL:     "http://" + name + ".local",
		Provider: config.Provider{
			ServerURL: idp.URL(),
			Realm:     "sso-demo",
			ClientID:  name,
		},
		Redis: config.Redis{Addr: redisAddr},
		Session: config.Session{
			CookieName:         strings.ToUpper(name) + "_SESSION",
			MaxLifetimeMinutes: 60,
			DevMode:            true,
		},
	}
}

// newTwoPortals starts the admin and cs portals against one fake provider
// and one store, wired as each other's sibling.
func newTwoPortals(t *testing.T) *twoPortals {
	idp, err := idptest.New("sso-demo")
	assert.Nil(t, err)
	t.Cleanup(idp.Close)

	mr, err := miniredis.Run()
	assert.Nil(t, err)
	t.Cleanup(mr.Close)

	adminCfg := portalConfig("admin-portal", idp, mr.Addr())
	adminApp := application.New(adminCfg)
	t.Cleanup(func() { adminApp.Close() })
	adminEcho := echo.New()
	New(adminApp, gate.Require("admin")).Register(adminEcho, Routes{
		LocalPath: "/api/profits",
		LocalData: func(c echo.Context) error {
			return c.JSON(http.StatusOK, []map[string]interface{}{
				{"quarter": "Q1", "amount": 135000},
			})
		},
		ProxyPath: "/api/customers",
	})
	adminSrv := httptest.NewServer(adminEcho)
	t.Cleanup(adminSrv.Close)

	csCfg := portalConfig("cs-portal", idp, mr.Addr())
	csApp := application.New(csCfg)
	t.Cleanup(func() { csApp.Close() })
	csEcho := echo.New()
	New(csApp, gate.RequireAny("cs", "admin")).Register(csEcho, Routes{
		LocalPath: "/api/customers",
		LocalData: func(c echo.Context) error {
			return c.JSON(http.StatusOK, []map[string]interface{}{
				{"id": 1, "name": "Alice Martin"},
			})
		},
		ProxyPath: "/api/profits",
	})
	csSrv := httptest.NewServer(csEcho)
	t.Cleanup(csSrv.Close)

	// the sibling URL is read per request, so it can be bound after both
	// servers are up
	adminCfg.SiblingURL = csSrv.URL
	csCfg.SiblingURL = adminSrv.URL

	return &twoPortals{
		idp:      idp,
		adminCfg: adminCfg,
		csCfg:    csCfg,
		adminSrv: adminSrv,
		csSrv:    csSrv,
	}
}

func get(t *testing.T, rawurl string, bearer string) *http.Response {
	req, err := http.NewRequest("GET", rawurl, nil)
	assert.Nil(t, err)
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	r, err := client.Do(req)
	assert.Nil(t, err)
	return r
}

func TestOwnDataRoutes(t *testing.T) {
	tp := newTwoPortals(t)
	adminToken, err := tp.idp.SignAccessToken(adminUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)
	csToken, err := tp.idp.SignAccessToken(csUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)

	r := get(t, tp.adminSrv.URL+"/api/profits", adminToken)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	r = get(t, tp.csSrv.URL+"/api/customers", csToken)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	//admin satisfies the cs portal predicate too (cs OR admin)
	r = get(t, tp.csSrv.URL+"/api/customers", adminToken)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	//cs does not satisfy the admin portal predicate
	r = get(t, tp.adminSrv.URL+"/api/profits", csToken)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
	r.Body.Close()
}

func TestProxyCarriesCallerToken(t *testing.T) {
	tp := newTwoPortals(t)
	adminToken, err := tp.idp.SignAccessToken(adminUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)

	//admin asks the cs portal's data through the admin portal proxy
	r := get(t, tp.adminSrv.URL+"/api/customers", adminToken)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()
}

func TestProxyDenialPropagated(t *testing.T) {
	tp := newTwoPortals(t)
	csToken, err := tp.idp.SignAccessToken(csUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)

	//the cs portal lets the cs user in, the admin portal denies the
	//proxied call, and that denial reaches the caller untouched
	r := get(t, tp.csSrv.URL+"/api/profits", csToken)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
	r.Body.Close()
}

func TestProxySiblingUnreachable(t *testing.T) {
	tp := newTwoPortals(t)
	csToken, err := tp.idp.SignAccessToken(csUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)

	tp.csCfg.SiblingURL = "http://127.0.0.1:1"
	r := get(t, tp.csSrv.URL+"/api/profits", csToken)
	assert.Equal(t, http.StatusBadGateway, r.StatusCode)
	r.Body.Close()
}

func TestPasswordGrantEndpoint(t *testing.T) {
	tp := newTwoPortals(t)
	tp.idp.AddUser("jdoe", "s3cret", adminUser)

	form := url.Values{}
	form.Add("username", "jdoe")
	form.Add("password", "s3cret")
	r, err := http.PostForm(tp.adminSrv.URL+"/token", form)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	form.Set("password", "wrong")
	r, err = http.PostForm(tp.adminSrv.URL+"/token", form)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	r.Body.Close()

	r, err = http.PostForm(tp.adminSrv.URL+"/token", url.Values{})
	assert.Nil(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r.Body.Close()
}

func TestHomePage(t *testing.T) {
	tp := newTwoPortals(t)
	adminToken, err := tp.idp.SignAccessToken(adminUser, time.Now().Add(time.Minute))
	assert.Nil(t, err)

	req, err := http.NewRequest("GET", tp.adminSrv.URL+"/", nil)
	assert.Nil(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	r, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	assert.Nil(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	raw, err := ioutil.ReadAll(r.Body)
	assert.Nil(t, err)
	page := string(raw)
	assert.Contains(t, page, "jdoe")
	assert.Contains(t, page, "admin")
}

func TestUnauthenticatedAPI(t *testing.T) {
	tp := newTwoPortals(t)
	r := get(t, tp.adminSrv.URL+"/api/profits", "")
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	r.Body.Close()
}
