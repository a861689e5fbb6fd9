package migrations

import "embed"

// Files embeds the versioned SQL schema, applied in lexical order.
//
//go:embed *.sql
var Files embed.FS
