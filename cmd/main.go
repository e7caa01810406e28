package main

import (
	"github.com/abcretail/fulfillment/internal/app"
	"github.com/abcretail/fulfillment/internal/config"
)

func main() {
	config.MustInit()
	app.MustNewApp().Run()
}
