package cmd

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cncvn/api/database"
	"cncvn/api/middleware"
	"cncvn/api/tracker"
)

var storefrontPort int

// storefrontPages maps each demo route to its document title.
var storefrontPages = map[string]string{
	"/":         "CNC Việt Nam | Máy CNC chính hãng",
	"/san-pham": "Sản phẩm | CNC Việt Nam",
	"/blog":     "Blog kỹ thuật | CNC Việt Nam",
	"/lien-he":  "Liên hệ | CNC Việt Nam",
}

// endSessionPath receives the beacon sent when the tab is hidden without an
// in-site link having been followed. The session stays open either way.
const endSessionPath = "/analytics/end"

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="vi">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<nav>{{range .Links}}<a href="{{.}}">{{.}}</a> {{end}}</nav>
<h1>{{.Title}}</h1>
<script>
(function () {
  var leaving = true;
  document.addEventListener("click", function (e) {
    var a = e.target.closest && e.target.closest("a[href]");
    if (a && a.origin === location.origin) leaving = false;
  });
  window.addEventListener("pageshow", function () { leaving = true; });
  document.addEventListener("visibilitychange", function () {
    if (document.visibilityState === "hidden" && leaving) {
      navigator.sendBeacon("{{.EndPath}}");
    }
  });
})();
</script>
</body>
</html>`))

var storefrontCmd = &cobra.Command{
	Use:   "storefront",
	Short: "Run the demo storefront with page-view tracking",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Server.Release {
			gin.SetMode(gin.ReleaseMode)
		}
		if cfg.Tracker.CookieSecret == "" {
			return errors.New("tracker.cookie_secret must be set to sign visitor cookies")
		}

		rdb, err := database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
		}

		registry := prometheus.NewRegistry()
		tr, err := tracker.New(cfg.Tracker, tracker.Options{
			Logger:         log,
			Registry:       registry,
			Redis:          rdb,
			Title:          pageTitle,
			IgnorePrefixes: []string{"/analytics", "/metrics", "/static"},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracker: %w", err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		mode := tr.Start(runCtx)
		log.Info().Stringer("mode", mode).Str("collector", cfg.Tracker.CollectorURL).Msg("analytics tracker started")
		defer func() {
			if err := tr.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop tracker")
			}
		}()

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", storefrontPort),
			Handler:      newStorefrontRouter(tr, registry, log),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		return serve(ctx, srv, log)
	},
}

func pageTitle(path string) string {
	return storefrontPages[path]
}

func newStorefrontRouter(tr *tracker.Tracker, registry *prometheus.Registry, log zerolog.Logger) *gin.Engine {
	links := []string{"/", "/san-pham", "/blog", "/lien-he"}

	r := gin.New()
	r.SetHTMLTemplate(pageTemplate)
	r.Use(gin.Recovery(), middleware.RequestLogger(log))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	r.POST(endSessionPath, tr.EndSessionHandler())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tracker": tr.State.Mode().String(),
			"queued":  tr.Queue.Len(),
			"time":    time.Now().UTC(),
		})
	})

	pages := r.Group("/")
	pages.Use(tr.Middleware())
	for path, title := range storefrontPages {
		pages.GET(path, func(c *gin.Context) {
			c.HTML(http.StatusOK, "page", gin.H{"Title": title, "Links": links, "EndPath": endSessionPath})
		})
	}
	return r
}

func init() {
	storefrontCmd.Flags().IntVar(&storefrontPort, "port", 3000, "storefront listen port")
	RootCmd.AddCommand(storefrontCmd)
}
