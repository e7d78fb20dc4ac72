package main

import "github.com/nhle/mailsync/internal/app"

func main() {
	app.Execute()
}
