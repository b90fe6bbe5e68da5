package main

import (
	"os"

	"github.com/bobuhiro11/gokvm-migration/flag"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
