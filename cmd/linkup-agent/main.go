package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/linkup/cmd/linkup-agent/app"
)

func main() {
	app.NewApp().Run()
}
