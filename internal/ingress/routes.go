package ingress

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	tele "gopkg.in/telebot.v4"

	logx "botfleet/pkg/logx"
)

const (
	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
	webhookRoute = "/webhook/:token"
)

var okBody = map[string]bool{"ok": true}

func (s *Server) routes(e *echo.Echo, cur Config) {
	e.Use(echomw.Recover())
	// The webhook bounds its own body so oversized updates still get a 200.
	e.Use(echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   strconv.FormatInt(cur.MaxBodyBytes, 10),
		Skipper: func(c echo.Context) bool { return c.Path() == webhookRoute },
	}))
	e.Use(s.accessLog())

	e.POST(webhookRoute, s.webhook(cur.Secret, cur.MaxBodyBytes))
	e.GET("/healthz", s.healthz)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	if cur.Pprof {
		g := e.Group("/debug/pprof", s.pprofAuth(cur.PprofToken))
		g.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		g.GET("/:profile", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
}

// webhook always answers 200 so Telegram never retries; bad requests are
// logged and dropped.
func (s *Server) webhook(secret string, maxBody int64) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Param("token")
		if secret != "" && subtle.ConstantTimeCompare([]byte(c.Request().Header.Get(secretHeader)), []byte(secret)) != 1 {
			s.log.Warn("webhook secret mismatch; dropped", logx.Token("token", token))
			return c.JSON(http.StatusOK, okBody)
		}

		var u tele.Update
		body := http.MaxBytesReader(c.Response(), c.Request().Body, maxBody)
		if err := json.NewDecoder(body).Decode(&u); err != nil {
			s.log.Warn("webhook decode failed; dropped", logx.Token("token", token), logx.Err(err))
			return c.JSON(http.StatusOK, okBody)
		}
		if s.disp != nil {
			// Dispatch logs its own drops.
			_ = s.disp.Dispatch(c.Request().Context(), token, u)
		}
		return c.JSON(http.StatusOK, okBody)
	}
}

func (s *Server) healthz(c echo.Context) error {
	st := Status{}
	if s.status != nil {
		st = s.status()
	}
	return c.JSON(http.StatusOK, st)
}

// accessLog logs at debug level with the route pattern, so tokens in the
// webhook path never reach the log.
func (s *Server) accessLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.log.Debug("http request",
				logx.String("method", c.Request().Method),
				logx.String("route", c.Path()),
				logx.Int("status", c.Response().Status),
				logx.Duration("latency", time.Since(start)),
			)
			return err
		}
	}
}

// pprofAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) pprofAuth(token string) echo.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if tok == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				c.Response().Header().Set("WWW-Authenticate", "Bearer")
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
