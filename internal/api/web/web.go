package web

import "embed"

// FS holds the live display page served under /ui/.
//
//go:embed index.html
var FS embed.FS
