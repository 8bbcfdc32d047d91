package main

import (
	"fmt"
	"os"

	"github.com/gobeaver/filezoom/internal/cli"

	_ "github.com/gobeaver/filezoom/driver/azure"
	_ "github.com/gobeaver/filezoom/driver/gcs"
	_ "github.com/gobeaver/filezoom/driver/local"
	_ "github.com/gobeaver/filezoom/driver/memory"
	_ "github.com/gobeaver/filezoom/driver/s3"
	_ "github.com/gobeaver/filezoom/driver/sftp"
	_ "github.com/gobeaver/filezoom/driver/zip"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
