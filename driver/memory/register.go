package memory

import (
	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("memory", func(d filezoom.Descriptor) (filezoom.Backend, error) {
		var opts []Option
		if ok, err := d.BoolOption("permissions", true); err != nil {
			return nil, err
		} else if !ok {
			opts = append(opts, WithoutPermissions())
		}
		return New(opts...), nil
	})
}
