package infra

import (
	"embed"
	"io/fs"
)

//go:embed templates/aws
var templates embed.FS

// DefaultTemplate is the built-in single-instance AWS configuration. It
// expects the variables written by Workspace.Prepare and exposes the
// instance's public address as the "instance_ip" output.
func DefaultTemplate() fs.FS {
	sub, err := fs.Sub(templates, "templates/aws")
	if err != nil {
		panic(err)
	}
	return sub
}
