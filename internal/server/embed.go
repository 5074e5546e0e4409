package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/npdash/internal/session"
	"github.com/vesaa/npdash/webui"
)

// uiFS returns web/dist when it holds a build, web/ otherwise.
func uiFS() fs.FS {
	if dist, err := fs.Sub(webui.FS, "web/dist"); err == nil {
		entries, _ := fs.ReadDir(dist, ".")
		for _, e := range entries {
			if e.Name() != ".gitkeep" {
				return dist
			}
		}
	}
	root, err := fs.Sub(webui.FS, "web")
	if err != nil {
		panic("embed: web sub-fs failed: " + err.Error())
	}
	return root
}

// RegisterStaticFiles mounts the embedded UI. Assets are served as they are;
// every other unmatched path is a page and goes through the route guard
// before index.html is returned.
func RegisterStaticFiles(r *gin.Engine, p session.Provider) {
	ui := uiFS()
	assets := http.FileServer(http.FS(ui))

	r.NoRoute(func(c *gin.Context) {
		urlPath := c.Request.URL.Path
		if strings.HasPrefix(urlPath, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if ext := path.Ext(urlPath); ext != "" {
			assets.ServeHTTP(c.Writer, c.Request)
			return
		}

		d := session.Decide(p, urlPath)
		switch {
		case d.Wait:
			c.Header("Retry-After", "1")
			c.String(http.StatusServiceUnavailable, "verifying identity…")
			return
		case d.Redirect != "":
			c.Redirect(http.StatusFound, d.Redirect)
			return
		}

		index, err := fs.ReadFile(ui, "index.html")
		if err != nil {
			c.String(http.StatusNotFound, "UI not found, run 'make ui' to build the frontend")
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
}
