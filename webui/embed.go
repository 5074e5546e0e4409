// Package webui exposes the embedded dashboard UI.
// It lives at the module root so it can embed the sibling "web/" directory.
package webui

import "embed"

// FS is the embedded web directory tree. web/dist holds a production build
// when one exists; web/index.html is the built-in single-page UI.
//
//go:embed web
var FS embed.FS
