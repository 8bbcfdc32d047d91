package zip

import (
	"fmt"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("zip", func(d filezoom.Descriptor) (filezoom.Backend, error) {
		archive := d.Option("path", "")
		if archive == "" {
			return nil, fmt.Errorf("zip: option path is required")
		}
		return New(archive), nil
	})
}
