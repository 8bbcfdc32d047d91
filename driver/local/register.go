package local

import (
	"fmt"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("local", func(d filezoom.Descriptor) (filezoom.Backend, error) {
		root := d.Option("root", "")
		if root == "" {
			return nil, fmt.Errorf("local: option root is required")
		}
		return New(root)
	})
}
