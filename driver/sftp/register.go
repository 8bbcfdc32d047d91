package sftp

import (
	"fmt"
	"os"
	"time"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("sftp", func(d filezoom.Descriptor) (filezoom.Backend, error) {
		port, err := d.IntOption("port", 22)
		if err != nil {
			return nil, err
		}
		poll, err := d.IntOption("poll_seconds", 5)
		if err != nil {
			return nil, err
		}

		cfg := Config{
			Host:         d.Option("host", ""),
			Port:         port,
			Username:     d.Option("user", os.Getenv("USER")),
			Password:     d.Option("password", ""),
			Passphrase:   d.Option("passphrase", ""),
			KnownHosts:   d.Option("known_hosts", ""),
			BasePath:     d.Option("base_path", ""),
			PollInterval: time.Duration(poll) * time.Second,
		}

		// Load private key if specified
		if keyFile := d.Option("key_file", ""); keyFile != "" {
			keyData, err := os.ReadFile(keyFile)
			if err != nil {
				return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
			}
			cfg.PrivateKey = keyData
		}

		return New(cfg)
	})
}
